package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"omni-agent-go/internal/config"
	"omni-agent-go/internal/model"
	"omni-agent-go/pkg/log"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// 爬取模式
const (
	CrawlSinglePage = "single_page"
	CrawlFullSite   = "full_site"
)

const maxPageBytes = 10 << 20

// ErrRootBlocked 表示种子页面被内容安全检查拦截。
var ErrRootBlocked = errors.New("root url blocked by content policy")

// SafetyGate 判断文本是否属于不允许导入的类别。
type SafetyGate interface {
	IsUnsafe(ctx context.Context, text, label string) bool
}

// CrawlerConfig 控制爬取范围和节奏。
type CrawlerConfig struct {
	MaxPages     int
	MinPageText  int
	PageDelay    time.Duration
	FetchTimeout time.Duration
	UserAgent    string
	SafetyLabel  string
}

// CrawlerConfigFrom 从导入配置中取出爬虫参数。
func CrawlerConfigFrom(c config.IngestionConfig) CrawlerConfig {
	return CrawlerConfig{
		MaxPages:     c.MaxPages,
		MinPageText:  c.MinPageText,
		PageDelay:    c.PageDelay,
		FetchTimeout: c.FetchTimeout,
		UserAgent:    c.UserAgent,
		SafetyLabel:  c.SafetyLabel,
	}
}

// Crawler 从种子 URL 开始广度优先抓取页面，逐页做安全检查后写入租户索引。
type Crawler struct {
	resolver IndexResolver
	tracker  *JobTracker
	gate     SafetyGate
	chunker  *Chunker
	client   *http.Client
	cfg      CrawlerConfig
}

// NewCrawler 创建爬虫。
func NewCrawler(resolver IndexResolver, tracker *JobTracker, gate SafetyGate, chunker *Chunker, cfg CrawlerConfig) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	return &Crawler{
		resolver: resolver,
		tracker:  tracker,
		gate:     gate,
		chunker:  chunker,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		cfg:      cfg,
	}
}

// Start 执行一次爬取任务，结果全部记录在 job 上。任何 panic 都会被记录为任务失败。
func (c *Crawler) Start(ctx context.Context, job *model.IngestionJob, rootURL, mode string) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Crawler] 爬取过程发生 panic, Job: %s, Error: %v", job.ID, r)
			c.fail(job, fmt.Sprintf("crawl aborted: %v", r))
		}
	}()

	if err := c.run(ctx, job, rootURL, mode); err != nil {
		log.Errorf("[Crawler] 爬取失败, Job: %s, Error: %v", job.ID, err)
		if errors.Is(err, ErrRootBlocked) {
			c.fail(job, rootBlockedMessage(c.cfg.SafetyLabel))
			return
		}
		c.fail(job, failureMessage(err))
	}
}

func (c *Crawler) run(ctx context.Context, job *model.IngestionJob, rootURL, mode string) error {
	log.Infof("[Crawler] 开始爬取, Job: %s, URL: %s, Mode: %s", job.ID, rootURL, mode)

	// 1. 校验租户向量索引
	idx, err := c.resolver.Resolve(ctx, job.TenantID)
	if err != nil {
		return err
	}
	root, err := normalizeURL(nil, rootURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", rootURL, err)
	}
	if err := c.tracker.MarkProcessing(job, 1); err != nil {
		return err
	}

	// 2. 清理同一来源的旧数据
	if err := idx.DeleteBySource(ctx, job.TenantID, rootURL); err != nil {
		return fmt.Errorf("清理旧数据失败: %w", err)
	}

	// 3. 广度优先遍历
	visited := map[string]bool{root.String(): true}
	queue := []string{root.String()}
	processed := 0

	for len(queue) > 0 && processed < c.cfg.MaxPages {
		if err := ctx.Err(); err != nil {
			return err
		}
		pageURL := queue[0]
		queue = queue[1:]
		isRoot := pageURL == root.String()

		body, err := c.fetch(ctx, pageURL)
		if err != nil {
			log.Warnf("[Crawler] 抓取页面失败, 跳过: %s, Error: %v", pageURL, err)
			c.record(job, model.ReportEntry{Item: pageURL, Outcome: model.OutcomeSkipped, Detail: err.Error()}, processed, len(queue)+processed)
			continue
		}
		doc, err := html.Parse(bytes.NewReader(body))
		if err != nil {
			c.record(job, model.ReportEntry{Item: pageURL, Outcome: model.OutcomeSkipped, Detail: "unparseable html"}, processed, len(queue)+processed)
			continue
		}
		base, _ := url.Parse(pageURL)
		text, links := extractPage(doc, base)

		if utf8.RuneCountInString(text) < c.cfg.MinPageText {
			c.record(job, model.ReportEntry{Item: pageURL, Outcome: model.OutcomeSkipped, Detail: "insufficient text"}, processed, len(queue)+processed)
			continue
		}

		if c.gate != nil && c.gate.IsUnsafe(ctx, text, c.cfg.SafetyLabel) {
			if isRoot {
				log.Warnf("[Crawler] 种子页面被内容安全检查拦截, 任务终止: %s", pageURL)
				return ErrRootBlocked
			}
			log.Warnf("[Crawler] 页面被内容安全检查拦截, 跳过: %s", pageURL)
			c.record(job, model.ReportEntry{Item: pageURL, Outcome: model.OutcomeSkipped, Detail: "blocked by content policy"}, processed, len(queue)+processed)
			continue
		}

		chunks := c.chunker.Split(text, ChunkMeta{
			TenantID:    job.TenantID,
			Source:      rootURL,
			SessionID:   job.SessionID,
			SpecificURL: pageURL,
			Type:        model.ChunkTypeWeb,
		})
		if err := idx.Upsert(ctx, chunks); err != nil {
			log.Errorf("[Crawler] 页面写入索引失败: %s, Error: %v", pageURL, err)
			c.record(job, model.ReportEntry{Item: pageURL, Outcome: model.OutcomeFailed, Detail: err.Error()}, processed, len(queue)+processed)
			continue
		}
		processed++

		if mode == CrawlFullSite {
			for _, link := range links {
				if !visited[link] && inScope(root, link) {
					visited[link] = true
					queue = append(queue, link)
				}
			}
		}

		c.record(job, model.ReportEntry{Item: pageURL, Outcome: model.OutcomeSuccess, Chunks: len(chunks)}, processed, len(queue)+processed)
		log.Debugf("[Crawler] 页面处理完成 (%d/%d): %s", processed, c.cfg.MaxPages, pageURL)

		if err := sleepCtx(ctx, c.cfg.PageDelay); err != nil {
			return err
		}
	}

	if err := c.tracker.Complete(job, processed, processed); err != nil {
		return err
	}
	log.Infof("[Crawler] 爬取完成, Job: %s, 共处理 %d 个页面", job.ID, processed)
	return nil
}

func (c *Crawler) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
}

func (c *Crawler) record(job *model.IngestionJob, entry model.ReportEntry, processed, total int) {
	if err := c.tracker.RecordItem(job, entry, processed, total); err != nil {
		log.Warnf("[Crawler] 更新任务进度失败, Job: %s, Error: %v", job.ID, err)
	}
}

func (c *Crawler) fail(job *model.IngestionJob, reason string) {
	if err := c.tracker.Fail(job, reason); err != nil {
		log.Warnf("[Crawler] 标记任务失败时出错, Job: %s, Error: %v", job.ID, err)
	}
}

// failureMessage 把错误转换为面向用户的任务失败原因。
func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrNoIndexConfigured):
		return "No vector database connected. Please go to 'Settings' and connect your database first."
	}
	return err.Error()
}

// rootBlockedMessage 用配置的拦截类别说明种子页面为何被拒绝。
func rootBlockedMessage(label string) string {
	label = strings.TrimSuffix(strings.TrimSpace(label), ".")
	if label == "" {
		return "Root URL blocked by content policy."
	}
	return fmt.Sprintf("Root URL blocked by content policy. Identified as: %s.", label)
}

var strippedTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Iframe:   true,
	atom.Noscript: true,
	atom.Svg:      true,
}

// extractPage 返回页面可见文本和正文中的链接。被剥离的区块中的链接不会被跟随。
func extractPage(doc *html.Node, base *url.URL) (string, []string) {
	var (
		words []string
		links []string
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strippedTags[n.DataAtom] {
			return
		}
		switch n.Type {
		case html.TextNode:
			words = append(words, strings.Fields(n.Data)...)
		case html.ElementNode:
			if n.DataAtom == atom.A {
				for _, attr := range n.Attr {
					if attr.Key != "href" {
						continue
					}
					if u, err := normalizeURL(base, attr.Val); err == nil {
						links = append(links, u.String())
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return strings.Join(words, " "), links
}

// normalizeURL 相对 base 解析链接，去掉 fragment，只接受 http 和 https。
func normalizeURL(base *url.URL, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// inScope 要求链接与种子同主机，且以种子 URL 为前缀。
func inScope(root *url.URL, link string) bool {
	u, err := url.Parse(link)
	if err != nil || !strings.EqualFold(u.Host, root.Host) {
		return false
	}
	return strings.HasPrefix(link, root.String())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"omni-agent-go/internal/model"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

var filler = strings.Repeat("This page describes our documentation and services in detail. ", 6)

// newSite 启动一个有 pages 个页面的站点，首页链接到所有页面，每个页面链接到下一页。
func newSite(t *testing.T, pages int, rootBody string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/docs" {
			var links strings.Builder
			for i := 1; i < pages; i++ {
				fmt.Fprintf(&links, `<a href="/docs/p%d">p%d</a>`, i, i)
			}
			fmt.Fprintf(w, `<html><body><nav><a href="/other">nav</a></nav><p>%s</p>%s<a href="https://elsewhere.test/x">ext</a></body></html>`, rootBody, links.String())
			return
		}
		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/docs/p%d", &n); err != nil || n >= pages {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `<html><head><script>var x = 1;</script></head><body><p>Page %d. %s</p><a href="p%d#top">next</a></body></html>`, n, filler, n+1)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCrawler(idx VectorIndex, store *memJobStore, gate SafetyGate, maxPages int) *Crawler {
	return NewCrawler(fakeResolver{idx: idx}, NewJobTracker(store), gate, NewChunker(1000, 200), CrawlerConfig{
		MaxPages:    maxPages,
		MinPageText: 200,
		SafetyLabel: "shop",
	})
}

func newJob(t *testing.T, store *memJobStore, kind model.JobKind) *model.IngestionJob {
	t.Helper()
	job := &model.IngestionJob{ID: t.Name(), TenantID: 1, SessionID: "s1", Kind: kind}
	require.NoError(t, NewJobTracker(store).Create(job))
	return job
}

func TestCrawlerRespectsPageCap(t *testing.T) {
	srv := newSite(t, 1000, filler)
	idx := newMemIndex()
	store := newMemJobStore()
	job := newJob(t, store, model.JobKindURL)

	newTestCrawler(idx, store, stubGate{}, 50).Start(context.Background(), job, srv.URL+"/docs", CrawlFullSite)

	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 50, job.ItemsProcessed)
	assert.LessOrEqual(t, idx.upserts, 50)

	prev := 0
	for _, snap := range store.snapshots() {
		assert.GreaterOrEqual(t, snap.ItemsProcessed, prev)
		prev = snap.ItemsProcessed
	}
	for _, e := range job.Entries() {
		assert.NotContains(t, e.Item, "elsewhere.test")
		assert.NotContains(t, e.Item, "/other")
	}
}

func TestCrawlerRootBlocked(t *testing.T) {
	srv := newSite(t, 5, filler+" Add to cart")
	idx := newMemIndex()
	store := newMemJobStore()

	for _, mode := range []string{CrawlSinglePage, CrawlFullSite} {
		job := &model.IngestionJob{ID: mode, TenantID: 1, Kind: model.JobKindURL}
		require.NoError(t, NewJobTracker(store).Create(job))

		gate := stubGate{unsafe: func(text string) bool { return strings.Contains(text, "Add to cart") }}
		newTestCrawler(idx, store, gate, 50).Start(context.Background(), job, srv.URL+"/docs", mode)

		assert.Equal(t, model.JobFailed, job.Status)
		assert.Equal(t, "Root URL blocked by content policy. Identified as: shop.", job.ErrorMessage)
		assert.Equal(t, 0, idx.count())
	}
}

func TestRootBlockedMessageFollowsLabel(t *testing.T) {
	assert.Equal(t, "Root URL blocked by content policy.", rootBlockedMessage("  "))
	assert.Equal(t,
		"Root URL blocked by content policy. Identified as: This is an adult content page.",
		rootBlockedMessage("This is an adult content page."))
}

func TestCrawlerSkipsBlockedChildPage(t *testing.T) {
	srv := newSite(t, 4, filler)
	idx := newMemIndex()
	store := newMemJobStore()
	job := newJob(t, store, model.JobKindURL)

	gate := stubGate{unsafe: func(text string) bool { return strings.Contains(text, "Page 2.") }}
	newTestCrawler(idx, store, gate, 50).Start(context.Background(), job, srv.URL+"/docs", CrawlFullSite)

	assert.Equal(t, model.JobCompleted, job.Status)
	outcomes := map[string]string{}
	for _, e := range job.Entries() {
		outcomes[strings.TrimPrefix(e.Item, srv.URL)] = e.Outcome
	}
	assert.Equal(t, model.OutcomeSkipped, outcomes["/docs/p2"])
	assert.Equal(t, model.OutcomeSuccess, outcomes["/docs/p1"])
	assert.Equal(t, model.OutcomeSkipped, outcomes["/docs/p4"])
}

func TestCrawlerSinglePageAndIdempotentRecrawl(t *testing.T) {
	srv := newSite(t, 10, filler)
	idx := newMemIndex()
	store := newMemJobStore()
	crawler := newTestCrawler(idx, store, stubGate{}, 50)

	first := &model.IngestionJob{ID: "first", TenantID: 1, Kind: model.JobKindURL}
	require.NoError(t, NewJobTracker(store).Create(first))
	crawler.Start(context.Background(), first, srv.URL+"/docs", CrawlSinglePage)
	assert.Equal(t, 1, first.ItemsProcessed)
	once := idx.count()
	require.Positive(t, once)

	second := &model.IngestionJob{ID: "second", TenantID: 1, Kind: model.JobKindURL}
	require.NoError(t, NewJobTracker(store).Create(second))
	crawler.Start(context.Background(), second, srv.URL+"/docs", CrawlSinglePage)
	assert.Equal(t, model.JobCompleted, second.Status)
	assert.Equal(t, once, idx.count())
}

func TestCrawlerNoIndexConfigured(t *testing.T) {
	store := newMemJobStore()
	job := newJob(t, store, model.JobKindURL)
	c := NewCrawler(fakeResolver{err: ErrNoIndexConfigured}, NewJobTracker(store), stubGate{}, NewChunker(1000, 200), CrawlerConfig{})

	c.Start(context.Background(), job, "https://example.com", CrawlFullSite)

	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "No vector database connected")
	assert.Equal(t, 0, job.ItemsProcessed)
}

func TestExtractPageStripsChrome(t *testing.T) {
	srv := newSite(t, 3, filler)
	c := newTestCrawler(newMemIndex(), newMemJobStore(), stubGate{}, 1)

	body, err := c.fetch(context.Background(), srv.URL+"/docs/p1")
	require.NoError(t, err)
	doc, err := html.Parse(bytes.NewReader(body))
	require.NoError(t, err)
	base, err := url.Parse(srv.URL + "/docs/p1")
	require.NoError(t, err)

	text, links := extractPage(doc, base)
	assert.NotContains(t, text, "var x")
	assert.Contains(t, text, "Page 1.")
	assert.Equal(t, []string{srv.URL + "/docs/p2"}, links)

	_, err = c.fetch(context.Background(), srv.URL+"/docs/p7")
	assert.Error(t, err)
}

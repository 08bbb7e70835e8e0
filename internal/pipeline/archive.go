package pipeline

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"omni-agent-go/internal/model"
	"omni-agent-go/pkg/log"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrTooManyEntries 表示压缩包条目数超过上限。
var ErrTooManyEntries = errors.New("archive has too many entries")

// ArchiveProcessor 检查并解压压缩包，逐个条目调用 FileIngester 导入。
// 单个条目失败不会中断整个批次。
type ArchiveProcessor struct {
	resolver   IndexResolver
	tracker    *JobTracker
	ingester   *FileIngester
	scratchDir string
	maxEntries int
}

// NewArchiveProcessor 创建压缩包处理器。
func NewArchiveProcessor(resolver IndexResolver, tracker *JobTracker, ingester *FileIngester, scratchDir string, maxEntries int) *ArchiveProcessor {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	return &ArchiveProcessor{
		resolver:   resolver,
		tracker:    tracker,
		ingester:   ingester,
		scratchDir: scratchDir,
		maxEntries: maxEntries,
	}
}

// Start 处理一个压缩包任务。退出时总会删除解压目录和原始压缩包。
func (p *ArchiveProcessor) Start(ctx context.Context, job *model.IngestionJob, archivePath string) {
	scratch := filepath.Join(p.scratchDir, "unzip_"+job.ID)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[ArchiveProcessor] 处理过程发生 panic, Job: %s, Error: %v", job.ID, r)
			p.fail(job, fmt.Sprintf("archive processing aborted: %v", r))
		}
		if err := os.RemoveAll(scratch); err != nil {
			log.Warnf("[ArchiveProcessor] 删除解压目录失败: %s, Error: %v", scratch, err)
		}
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			log.Warnf("[ArchiveProcessor] 删除压缩包失败: %s, Error: %v", archivePath, err)
		}
	}()

	if err := p.run(ctx, job, archivePath, scratch); err != nil {
		log.Errorf("[ArchiveProcessor] 压缩包处理失败, Job: %s, Error: %v", job.ID, err)
		p.fail(job, failureMessage(err))
	}
}

func (p *ArchiveProcessor) run(ctx context.Context, job *model.IngestionJob, archivePath, scratch string) error {
	log.Infof("[ArchiveProcessor] 开始处理压缩包, Job: %s, Archive: %s", job.ID, job.SourceName)

	// 1. 校验租户向量索引
	idx, err := p.resolver.Resolve(ctx, job.TenantID)
	if err != nil {
		return err
	}

	// 2. 不解压，先检查条目数
	files, err := inspectArchive(archivePath, p.maxEntries)
	if err != nil {
		return err
	}
	total := len(files)
	if err := p.tracker.MarkProcessing(job, total); err != nil {
		return err
	}

	// 3. 清理同一会话的旧数据
	if job.SessionID != "" {
		if err := idx.DeleteBySession(ctx, job.TenantID, job.SessionID); err != nil {
			return fmt.Errorf("清理旧数据失败: %w", err)
		}
	}

	// 4. 解压
	if err := extractArchive(archivePath, scratch); err != nil {
		return err
	}

	// 5. 逐个条目导入
	processed := 0
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := p.processEntry(ctx, idx, job, scratch, name)
		processed++
		if err := p.tracker.RecordItem(job, entry, processed, total); err != nil {
			log.Warnf("[ArchiveProcessor] 更新任务进度失败, Job: %s, Error: %v", job.ID, err)
		}
	}

	// 6. 完成
	if err := p.tracker.Complete(job, processed, total); err != nil {
		return err
	}
	log.Infof("[ArchiveProcessor] 压缩包处理完成, Job: %s, 共处理 %d/%d 个文件", job.ID, processed, total)
	return nil
}

func (p *ArchiveProcessor) processEntry(ctx context.Context, idx VectorIndex, job *model.IngestionJob, scratch, name string) model.ReportEntry {
	ext := strings.ToLower(path.Ext(name))
	if !SupportedArchiveExtensions[ext] {
		return model.ReportEntry{Item: name, Outcome: model.OutcomeSkipped, Detail: "unsupported_type"}
	}
	n, err := p.ingester.ingestInto(ctx, idx, filepath.Join(scratch, filepath.FromSlash(name)), ChunkMeta{
		TenantID:  job.TenantID,
		Source:    job.SourceName + "/" + name,
		SessionID: job.SessionID,
		FileName:  name,
		Type:      model.ChunkTypeFile,
	})
	if err != nil {
		return model.ReportEntry{Item: name, Outcome: model.OutcomeFailed, Detail: err.Error()}
	}
	if n == 0 {
		return model.ReportEntry{Item: name, Outcome: model.OutcomeFailed, Detail: "No content extracted"}
	}
	return model.ReportEntry{Item: name, Outcome: model.OutcomeSuccess, Chunks: n}
}

func (p *ArchiveProcessor) fail(job *model.IngestionJob, reason string) {
	if err := p.tracker.Fail(job, reason); err != nil {
		log.Warnf("[ArchiveProcessor] 标记任务失败时出错, Job: %s, Error: %v", job.ID, err)
	}
}

// inspectArchive 读取中央目录，条目数（含目录）超过上限时直接拒绝，返回其中的文件名。
func inspectArchive(archivePath string, maxEntries int) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("archive unreadable: %w", err)
	}
	defer r.Close()

	if len(r.File) > maxEntries {
		return nil, fmt.Errorf("%w: Zip contains too many files (%d). Max allowed is %d.", ErrTooManyEntries, len(r.File), maxEntries)
	}
	files := make([]string, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files = append(files, f.Name)
	}
	return files, nil
}

// extractArchive 解压到 dest，拒绝逃出 dest 的条目路径。
func extractArchive(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("archive unreadable: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("创建解压目录失败: %w", err)
	}
	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range r.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("archive entry %q escapes extraction directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("解压 %s 失败: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"omni-agent-go/internal/model"
	"omni-agent-go/pkg/log"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"
)

// ErrExtractionFailed 表示文件无法被解析为文本。
var ErrExtractionFailed = errors.New("text extraction failed")

// FileIngester 把单个文件抽取、切块并替换写入租户的向量索引。
// 直接上传的文件不做内容安全检查。
type FileIngester struct {
	resolver   IndexResolver
	extractors *ExtractorRegistry
	chunker    *Chunker
	pool       *ants.Pool
}

// NewFileIngester 创建一个 FileIngester，抽取在 pool 中执行。
func NewFileIngester(resolver IndexResolver, extractors *ExtractorRegistry, chunker *Chunker, pool *ants.Pool) *FileIngester {
	return &FileIngester{resolver: resolver, extractors: extractors, chunker: chunker, pool: pool}
}

// Ingest 导入一个本地文件并返回写入的分块数。
// 租户没有向量索引时返回 ErrNoIndexConfigured，没有提取到文本时返回 0 和 nil。
func (f *FileIngester) Ingest(ctx context.Context, path string, tenantID uint, meta ChunkMeta) (int, error) {
	idx, err := f.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	meta.TenantID = tenantID
	return f.ingestInto(ctx, idx, path, meta)
}

func (f *FileIngester) ingestInto(ctx context.Context, idx VectorIndex, path string, meta ChunkMeta) (int, error) {
	if meta.FileName == "" {
		meta.FileName = filepath.Base(path)
	}
	if meta.Source == "" {
		meta.Source = meta.FileName
	}
	if meta.Type == "" {
		meta.Type = model.ChunkTypeFile
	}
	log.Infof("[FileIngester] 开始处理文件, Source: %s, TenantID: %d", meta.Source, meta.TenantID)

	// 1. 抽取文本
	extractor := f.extractors.For(path)
	text, err := offload(ctx, f.pool, func() (string, error) {
		return extractor.Extract(ctx, path)
	})
	if err != nil {
		log.Errorf("[FileIngester] 提取文本失败, Source: %s, Error: %v", meta.Source, err)
		return 0, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if strings.TrimSpace(text) == "" {
		log.Warnf("[FileIngester] 提取的文本内容为空, Source: %s", meta.Source)
		return 0, nil
	}
	log.Infof("[FileIngester] 步骤1: 文本提取成功, 内容长度: %d 字符", utf8.RuneCountInString(text))

	// 2. 切块
	chunks := f.chunker.Split(text, meta)
	log.Infof("[FileIngester] 步骤2: 文本分块完成, 共生成 %d 个分块", len(chunks))

	// 3. 替换写入
	if err := replaceSource(ctx, idx, meta, chunks); err != nil {
		return 0, err
	}
	log.Infof("[FileIngester] 文件处理完成, Source: %s, Chunks: %d", meta.Source, len(chunks))
	return len(chunks), nil
}

// replaceSource 先删除同一 (tenant, source) 的旧分块，再写入新分块。
func replaceSource(ctx context.Context, idx VectorIndex, meta ChunkMeta, chunks []model.Chunk) error {
	if err := idx.DeleteBySource(ctx, meta.TenantID, meta.Source); err != nil {
		return fmt.Errorf("清理旧分块失败: %w", err)
	}
	if err := idx.Upsert(ctx, chunks); err != nil {
		return fmt.Errorf("写入向量索引失败: %w", err)
	}
	return nil
}

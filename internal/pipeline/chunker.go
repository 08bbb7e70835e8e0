// Package pipeline 定义了内容导入的核心流程：抽取、切块、安全检查、写入向量索引和任务跟踪。
package pipeline

import (
	"fmt"
	"omni-agent-go/internal/model"

	"github.com/google/uuid"
)

// chunkNamespace 用于生成确定性的分块 ID。
var chunkNamespace = uuid.MustParse("6f1c8a52-3d2e-4b7a-9e0f-2a6c4d8b1e37")

// ChunkMeta 是附加在每个分块上的归属信息。
type ChunkMeta struct {
	TenantID    uint
	Source      string
	SessionID   string
	SpecificURL string
	FileName    string
	Type        model.ChunkType
}

// Chunker 按固定窗口和重叠切分文本，按 rune 计数。
type Chunker struct {
	size    int
	overlap int
}

// NewChunker 创建切块器。overlap 不小于 size 时退化为无重叠切分。
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return &Chunker{size: size, overlap: overlap}
}

// Split 把文本切成带元数据的分块。相同输入和参数总是得到相同的分块和 ID。
func (c *Chunker) Split(text string, meta ChunkMeta) []model.Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []model.Chunk
	step := c.size - c.overlap
	for i := 0; i < len(runes); i += step {
		end := i + c.size
		if end > len(runes) {
			end = len(runes)
		}
		index := len(chunks)
		chunks = append(chunks, model.Chunk{
			ID:          chunkID(meta, index),
			TenantID:    meta.TenantID,
			Source:      meta.Source,
			SessionID:   meta.SessionID,
			SpecificURL: meta.SpecificURL,
			FileName:    meta.FileName,
			Type:        meta.Type,
			Index:       index,
			Text:        string(runes[i:end]),
		})
		if end == len(runes) {
			break
		}
	}
	return chunks
}

func chunkID(meta ChunkMeta, index int) string {
	key := fmt.Sprintf("%d|%s|%s|%s|%d", meta.TenantID, meta.Source, meta.SpecificURL, meta.FileName, index)
	return uuid.NewSHA1(chunkNamespace, []byte(key)).String()
}

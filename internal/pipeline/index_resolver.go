package pipeline

import (
	"context"
	"errors"
	"fmt"
	"omni-agent-go/internal/config"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/repository"
	"omni-agent-go/pkg/embedding"
	"omni-agent-go/pkg/es"

	"gorm.io/gorm"
)

// ErrNoIndexConfigured 表示租户没有可用的向量索引凭证。
var ErrNoIndexConfigured = errors.New("no vector database configured")

// VectorIndex 是租户向量索引的读写接口。
type VectorIndex interface {
	Upsert(ctx context.Context, chunks []model.Chunk) error
	DeleteBySource(ctx context.Context, tenantID uint, source string) error
	DeleteBySession(ctx context.Context, tenantID uint, sessionID string) error
	SimilaritySearch(ctx context.Context, tenantID uint, query string, k int) ([]model.Chunk, error)
}

// IndexResolver 找到租户自己的向量索引，绝不回落到共享索引。
type IndexResolver interface {
	Resolve(ctx context.Context, tenantID uint) (VectorIndex, error)
}

type esIndexResolver struct {
	integrations repository.IntegrationRepository
	embedder     embedding.Client
	esCfg        config.ElasticsearchConfig
	embCfg       config.EmbeddingConfig
}

// NewIndexResolver 创建基于 Elasticsearch 的 IndexResolver。
func NewIndexResolver(integrations repository.IntegrationRepository, embedder embedding.Client, esCfg config.ElasticsearchConfig, embCfg config.EmbeddingConfig) IndexResolver {
	return &esIndexResolver{integrations: integrations, embedder: embedder, esCfg: esCfg, embCfg: embCfg}
}

func (r *esIndexResolver) Resolve(_ context.Context, tenantID uint) (VectorIndex, error) {
	integration, err := r.integrations.FindByProvider(tenantID, model.KindVector)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoIndexConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("查询向量索引凭证失败: %w", err)
	}
	if !integration.IsActive {
		return nil, ErrNoIndexConfigured
	}
	cred, err := integration.Credential()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoIndexConfigured, err)
	}
	vc, ok := cred.(model.VectorCredential)
	if !ok {
		return nil, ErrNoIndexConfigured
	}
	idx, err := es.NewIndex(&vc, r.esCfg, r.embedder, r.embCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoIndexConfigured, err)
	}
	return idx, nil
}

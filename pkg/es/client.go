// Package es 提供了基于 Elasticsearch dense_vector 的租户向量索引。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"omni-agent-go/internal/config"
	"omni-agent-go/internal/model"
	"omni-agent-go/pkg/embedding"
	"omni-agent-go/pkg/log"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
)

// Index 是一个租户的向量索引。所有读写都带 tenant_id 过滤。
type Index struct {
	client       *elasticsearch.Client
	name         string
	embedder     embedding.Client
	dims         int
	modelVersion string
}

// NewClient 创建 Elasticsearch 客户端。
func NewClient(addresses []string, username, password string) (*elasticsearch.Client, error) {
	cfg := elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	return elasticsearch.NewClient(cfg)
}

// NewIndex 根据租户的向量凭证创建索引句柄。凭证未给出地址时使用平台默认集群。
func NewIndex(cred *model.VectorCredential, fallback config.ElasticsearchConfig, embedder embedding.Client, embCfg config.EmbeddingConfig) (*Index, error) {
	addresses := cred.Addresses
	username, password := cred.Username, cred.Password
	if len(addresses) == 0 {
		if fallback.Addresses == "" {
			return nil, errors.New("no elasticsearch address configured")
		}
		addresses = strings.Split(fallback.Addresses, ",")
		username, password = fallback.Username, fallback.Password
	}
	client, err := NewClient(addresses, username, password)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Index{
		client:       client,
		name:         cred.IndexName,
		embedder:     embedder,
		dims:         embCfg.Dimensions,
		modelVersion: embCfg.Model,
	}, nil
}

// Name 返回索引名。
func (i *Index) Name() string { return i.name }

// EnsureIndex 检查索引是否存在，如果不存在则创建它
func (i *Index) EnsureIndex(ctx context.Context) error {
	res, err := i.client.Indices.Exists([]string{i.name}, i.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("检查索引是否存在时出错: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"id": { "type": "keyword" },
				"tenant_id": { "type": "long" },
				"source": { "type": "keyword" },
				"session_id": { "type": "keyword" },
				"specific_url": { "type": "keyword" },
				"file_name": { "type": "keyword" },
				"type": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"model_version": { "type": "keyword" }
			}
		}
	}`, i.dims)

	res, err = i.client.Indices.Create(
		i.name,
		i.client.Indices.Create.WithContext(ctx),
		i.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("创建索引 '%s' 失败: %w", i.name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", i.name, res.String())
	}
	log.Infof("[ES] 索引 '%s' 创建成功", i.name)
	return nil
}

// Upsert 向量化分块并批量写入。文档 ID 由分块决定，重复写入会覆盖。
func (i *Index) Upsert(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := i.EnsureIndex(ctx); err != nil {
		return err
	}
	texts := make([]string, len(chunks))
	for n, c := range chunks {
		texts[n] = c.Text
	}
	vectors, err := embedding.EmbedBatch(ctx, i.embedder, texts)
	if err != nil {
		return fmt.Errorf("向量化分块失败: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for n, c := range chunks {
		meta := map[string]interface{}{"index": map[string]interface{}{"_index": i.name, "_id": c.ID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(c.ToDocument(vectors[n], i.modelVersion)); err != nil {
			return err
		}
	}

	res, err := i.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		i.client.Bulk.WithContext(ctx),
		i.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("批量写入 Elasticsearch 失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("批量写入 Elasticsearch 返回错误: %s", res.String())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if bulkResp.Errors {
		for _, item := range bulkResp.Items {
			for _, r := range item {
				if r.Error != nil {
					return fmt.Errorf("bulk 写入部分失败: %s", r.Error.Reason)
				}
			}
		}
		return errors.New("bulk 写入部分失败")
	}
	return nil
}

// DeleteBySource 删除租户下 source 等于给定值的所有分块。
func (i *Index) DeleteBySource(ctx context.Context, tenantID uint, source string) error {
	return i.deleteByTerm(ctx, tenantID, "source", source)
}

// DeleteBySession 删除租户下 session_id 等于给定值的所有分块。
func (i *Index) DeleteBySession(ctx context.Context, tenantID uint, sessionID string) error {
	return i.deleteByTerm(ctx, tenantID, "session_id", sessionID)
}

func (i *Index) deleteByTerm(ctx context.Context, tenantID uint, field, value string) error {
	if err := i.EnsureIndex(ctx); err != nil {
		return err
	}
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					{"term": map[string]interface{}{"tenant_id": tenantID}},
					{"term": map[string]interface{}{field: value}},
				},
			},
		},
	}
	body, err := encode(query)
	if err != nil {
		return err
	}
	res, err := i.client.DeleteByQuery(
		[]string{i.name},
		body,
		i.client.DeleteByQuery.WithContext(ctx),
		i.client.DeleteByQuery.WithRefresh(true),
		i.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return fmt.Errorf("delete_by_query 失败: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete_by_query 返回错误: %s", res.String())
	}
	return nil
}

// SimilaritySearch 对查询文本做 kNN 检索，返回租户内最相似的 k 个分块。
func (i *Index) SimilaritySearch(ctx context.Context, tenantID uint, query string, k int) ([]model.Chunk, error) {
	if k <= 0 {
		return nil, nil
	}
	vector, err := i.embedder.CreateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   vector,
			"k":              k,
			"num_candidates": k * 10,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"tenant_id": tenantID},
			},
		},
		"size":    k,
		"_source": map[string]interface{}{"excludes": []string{"vector"}},
	}
	body, err := encode(esQuery)
	if err != nil {
		return nil, err
	}
	res, err := i.client.Search(
		i.client.Search.WithContext(ctx),
		i.client.Search.WithIndex(i.name),
		i.client.Search.WithBody(body),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch search returned error: %s", res.String())
	}

	var esResp struct {
		Hits struct {
			Hits []struct {
				Score  float64          `json:"_score"`
				Source model.EsDocument `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResp); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}
	chunks := make([]model.Chunk, 0, len(esResp.Hits.Hits))
	for _, hit := range esResp.Hits.Hits {
		chunks = append(chunks, hit.Source.ToChunk(hit.Score))
	}
	return chunks, nil
}

func encode(v interface{}) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("序列化 Elasticsearch 请求失败: %w", err)
	}
	return &buf, nil
}

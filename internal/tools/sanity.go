package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"omni-agent-go/internal/model"
	"strings"
	"time"
)

const (
	defaultSanityAPIVersion = "v2021-10-21"
	schemaDepth             = 3
)

// SanityTool 通过 HTTP API 执行 GROQ 查询。
type SanityTool struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewSanity 创建 Sanity 查询工具。
func NewSanity(cred model.CMSCredential) *SanityTool {
	version := cred.APIVersion
	if version == "" {
		version = defaultSanityAPIVersion
	}
	base := strings.TrimRight(cred.BaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.api.sanity.io", cred.ProjectID)
	}
	return &SanityTool{
		endpoint: fmt.Sprintf("%s/%s/data/query/%s", base, version, cred.Dataset),
		token:    cred.Token,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *SanityTool) Kind() model.BackendKind { return model.KindCMS }

func (t *SanityTool) query(ctx context.Context, groq string) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?query="+url.QueryEscape(groq), nil)
	if err != nil {
		return nil, err
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sanity request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("sanity query failed: status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Result interface{} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sanity response: %w", err)
	}
	return out.Result, nil
}

// Execute 执行 GROQ 查询，单个对象结果被包装为数组。
func (t *SanityTool) Execute(ctx context.Context, groq string) (string, error) {
	result, err := t.query(ctx, strings.TrimSpace(groq))
	if err != nil {
		return "", err
	}
	var rows []interface{}
	switch r := result.(type) {
	case nil:
	case []interface{}:
		rows = r
	default:
		rows = []interface{}{r}
	}
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return encodeRows(rows, len(rows))
}

// Schema 列出非系统文档类型，每种取一条样本提取字段结构。
func (t *SanityTool) Schema(ctx context.Context) (map[string]interface{}, error) {
	result, err := t.query(ctx, "array::unique(*[!(_id in path('_.**')) && !(_type match 'sanity.*')]._type)")
	if err != nil {
		return nil, err
	}
	types, _ := result.([]interface{})
	schema := make(map[string]interface{}, len(types))
	for _, v := range types {
		docType, ok := v.(string)
		if !ok {
			continue
		}
		sample, err := t.query(ctx, fmt.Sprintf("*[_type == %q][0]", docType))
		if err != nil {
			return nil, err
		}
		if sample != nil {
			schema[docType] = structureOf(sample, 0)
		}
	}
	return schema, nil
}

// structureOf 把样本文档转换为字段类型结构，跳过以下划线开头的内部字段。
func structureOf(v interface{}, depth int) interface{} {
	if depth > schemaDepth {
		return "..."
	}
	switch x := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(x))
		for k, val := range x {
			if strings.HasPrefix(k, "_") {
				continue
			}
			m[k] = structureOf(val, depth+1)
		}
		return m
	case []interface{}:
		if len(x) == 0 {
			return "List[]"
		}
		return []interface{}{structureOf(x[0], depth+1)}
	case float64:
		return "Number"
	case bool:
		return "Boolean"
	}
	return "String"
}

func (t *SanityTool) Close() error { return nil }

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BackendKind 标识一种数据源类型，同时也是 integrations 表中的 provider 值。
type BackendKind string

const (
	KindRelational BackendKind = "sql"
	KindDocument   BackendKind = "mongodb"
	KindCMS        BackendKind = "sanity"
	KindVector     BackendKind = "vector"
	KindLLM        BackendKind = "llm"
)

var ErrUnknownProvider = errors.New("unknown provider")

// RoutableKinds 是可以被语义路由选中的数据源类型。
var RoutableKinds = []BackendKind{KindRelational, KindDocument, KindCMS}

// Credential 是各类数据源凭证的统一接口，每个实现只携带自己需要的字段。
type Credential interface {
	Kind() BackendKind
	Validate() error
}

// RelationalCredential 关系型数据库连接串，支持 mysql DSN 与 postgres:// URL。
type RelationalCredential struct {
	DSN string `json:"dsn"`
}

func (RelationalCredential) Kind() BackendKind { return KindRelational }

func (c RelationalCredential) Validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("dsn is required")
	}
	return nil
}

// IsPostgres 判断连接串是否指向 PostgreSQL。
func (c RelationalCredential) IsPostgres() bool {
	return strings.HasPrefix(c.DSN, "postgres://") || strings.HasPrefix(c.DSN, "postgresql://")
}

// DocumentCredential MongoDB 连接信息。
type DocumentCredential struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

func (DocumentCredential) Kind() BackendKind { return KindDocument }

func (c DocumentCredential) Validate() error {
	if c.URI == "" || c.Database == "" {
		return errors.New("uri and database are required")
	}
	return nil
}

// CMSCredential Sanity 内容 API 凭证。
type CMSCredential struct {
	ProjectID  string `json:"project_id"`
	Dataset    string `json:"dataset"`
	Token      string `json:"token"`
	APIVersion string `json:"api_version"`
	// BaseURL 为空时使用 https://<project_id>.api.sanity.io
	BaseURL string `json:"base_url,omitempty"`
}

func (CMSCredential) Kind() BackendKind { return KindCMS }

func (c CMSCredential) Validate() error {
	if c.ProjectID == "" || c.Dataset == "" {
		return errors.New("project_id and dataset are required")
	}
	return nil
}

// VectorCredential 租户的 Elasticsearch 向量索引。Addresses 为空时使用平台默认集群。
type VectorCredential struct {
	Addresses []string `json:"addresses"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	IndexName string   `json:"index_name"`
}

func (VectorCredential) Kind() BackendKind { return KindVector }

func (c VectorCredential) Validate() error {
	if c.IndexName == "" {
		return errors.New("index_name is required")
	}
	return nil
}

// LLMCredential OpenAI 兼容接口凭证。
type LLMCredential struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

func (LLMCredential) Kind() BackendKind { return KindLLM }

func (c LLMCredential) Validate() error {
	if c.BaseURL == "" || c.APIKey == "" || c.Model == "" {
		return errors.New("base_url, api_key and model are required")
	}
	return nil
}

// DecodeCredential 按 provider 类型解析 JSON 凭证并校验。
func DecodeCredential(kind BackendKind, raw []byte) (Credential, error) {
	var (
		cred Credential
		err  error
	)
	switch kind {
	case KindRelational:
		var c RelationalCredential
		err = json.Unmarshal(raw, &c)
		cred = c
	case KindDocument:
		var c DocumentCredential
		err = json.Unmarshal(raw, &c)
		cred = c
	case KindCMS:
		var c CMSCredential
		err = json.Unmarshal(raw, &c)
		cred = c
	case KindVector:
		var c VectorCredential
		err = json.Unmarshal(raw, &c)
		cred = c
	case KindLLM:
		var c LLMCredential
		err = json.Unmarshal(raw, &c)
		cred = c
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s credentials: %w", kind, err)
	}
	if err := cred.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s credentials: %w", kind, err)
	}
	return cred, nil
}

// Backend 是一个已连接且可被路由的数据源。
type Backend struct {
	Credential  Credential
	Description string
	SchemaMap   map[string]interface{}
}

// TenantSettings 是租户所有有效集成的类型化视图，每种类型最多一个。
type TenantSettings struct {
	LLM      *LLMCredential
	Vector   *VectorCredential
	Backends map[BackendKind]Backend
}

// RouteCandidates 返回同时具备凭证和画像描述的数据源，没有描述的数据源不参与路由。
func (s *TenantSettings) RouteCandidates() map[string]string {
	candidates := make(map[string]string)
	for kind, b := range s.Backends {
		if strings.TrimSpace(b.Description) == "" {
			continue
		}
		candidates[string(kind)] = b.Description
	}
	return candidates
}

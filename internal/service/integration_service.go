package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/repository"
	"omni-agent-go/internal/tools"
	"omni-agent-go/pkg/llm"
	"omni-agent-go/pkg/log"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	maxSchemaPromptLen = 3500
	discoveryTimeout   = 20 * time.Second
	vectorDescription  = "Contains uploaded documents, policies, and knowledge base."

	profilePrompt = `Act as a Database Architect. Your job is to analyze the provided Database Schema and generate a 'Semantic Description' for an AI Router.

--- INPUT SCHEMA (%s) ---
%s

--- INSTRUCTIONS ---
1. Analyze the Table Names (or Collections/Types) and Field Names deeply.
2. Identify the core "Business Concepts" represented in this data.
3. Construct a dense, keyword-rich summary that describes EXACTLY what is in this database.
4. STRICT RULE: Do NOT use generic words like "solution" or "platform". Use specific nouns found in the schema.
5. Do NOT guess. Only describe what you see in the schema keys.

--- OUTPUT FORMAT ---
Write a single paragraph (approx 30 words) describing the data contents.
Description:`
)

var (
	ErrIntegrationNotFound = errors.New("integration not found, please connect first")
	ErrInvalidCredential   = errors.New("invalid credentials")
	ErrInvalidPersona      = errors.New("bot name is required")
)

// SaveIntegrationRequest 保存某一类数据源的凭证。
type SaveIntegrationRequest struct {
	Provider    model.BackendKind `json:"provider"`
	Credentials json.RawMessage   `json:"credentials"`
}

// IntegrationView 是对外展示的数据源信息，不含凭证。
type IntegrationView struct {
	Provider    model.BackendKind `json:"provider"`
	IsActive    bool              `json:"isActive"`
	Description string            `json:"description"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// SchemaDiscoverer 连接数据源并读取结构。
type SchemaDiscoverer func(ctx context.Context, cred model.Credential) (map[string]interface{}, error)

// DefaultSchemaDiscoverer 通过对应的查询工具读取结构。
func DefaultSchemaDiscoverer(ctx context.Context, cred model.Credential) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	tool, err := tools.Open(ctx, cred)
	if err != nil {
		return nil, err
	}
	defer tool.Close()
	return tool.Schema(ctx)
}

// Profiler 根据数据源结构生成供语义路由使用的描述。
type Profiler struct {
	llm llm.Client
}

// NewProfiler 创建画像生成器。client 为 nil 时总是返回中性描述。
func NewProfiler(client llm.Client) *Profiler {
	return &Profiler{llm: client}
}

// Describe 生成描述，失败时返回 "Contains data from <kind>."。
func (p *Profiler) Describe(ctx context.Context, kind model.BackendKind, schema map[string]interface{}) string {
	label := providerLabel(kind)
	if len(schema) == 0 {
		return fmt.Sprintf("Connected to %s.", label)
	}
	neutral := fmt.Sprintf("Contains data from %s.", label)
	if p == nil || p.llm == nil {
		return neutral
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return neutral
	}
	if len(schemaJSON) > maxSchemaPromptLen {
		schemaJSON = schemaJSON[:maxSchemaPromptLen]
	}
	out, err := p.llm.Generate(ctx, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(profilePrompt, label, string(schemaJSON))},
	}, nil)
	if err != nil || strings.TrimSpace(out) == "" {
		log.Warnf("[Profiler] 生成 %s 描述失败: %v", kind, err)
		return neutral
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "Description:"))
}

func providerLabel(kind model.BackendKind) string {
	switch kind {
	case model.KindRelational:
		return "SQL Database"
	case model.KindDocument:
		return "MongoDB NoSQL"
	case model.KindCMS:
		return "Sanity CMS"
	}
	return string(kind)
}

// IntegrationService 定义了租户设置相关的业务操作。
type IntegrationService interface {
	Save(ctx context.Context, tenantID uint, req SaveIntegrationRequest) (*IntegrationView, error)
	Refresh(ctx context.Context, tenantID uint, provider model.BackendKind) (*IntegrationView, error)
	List(tenantID uint) ([]IntegrationView, error)
	UpdatePersona(tenantID uint, botName, instruction string) (*model.Tenant, error)
}

type integrationService struct {
	integrations repository.IntegrationRepository
	tenants      repository.TenantRepository
	discover     SchemaDiscoverer
	profiler     *Profiler
}

// NewIntegrationService 创建一个新的 IntegrationService 实例。
func NewIntegrationService(integrations repository.IntegrationRepository, tenants repository.TenantRepository, discover SchemaDiscoverer, profiler *Profiler) IntegrationService {
	if discover == nil {
		discover = DefaultSchemaDiscoverer
	}
	return &integrationService{integrations: integrations, tenants: tenants, discover: discover, profiler: profiler}
}

// Save 保存凭证（每类数据源只保留一条），随后做结构发现与画像。
// 结构发现失败时沿用原有的结构与描述。
func (s *integrationService) Save(ctx context.Context, tenantID uint, req SaveIntegrationRequest) (*IntegrationView, error) {
	cred, err := model.DecodeCredential(req.Provider, req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	normalized, err := json.Marshal(cred)
	if err != nil {
		return nil, err
	}

	integration := &model.Integration{
		TenantID:    tenantID,
		Provider:    req.Provider,
		Credentials: normalized,
		IsActive:    true,
	}
	existing, err := s.integrations.FindByProvider(tenantID, req.Provider)
	if err == nil {
		integration.SchemaMap = existing.SchemaMap
		integration.Description = existing.Description
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	schemaJSON, description := s.profile(ctx, cred)
	if schemaJSON != nil {
		integration.SchemaMap = schemaJSON
	}
	if description != "" {
		integration.Description = description
	}

	if err := s.integrations.Upsert(integration); err != nil {
		return nil, fmt.Errorf("保存数据源凭证失败: %w", err)
	}
	log.Infof("[IntegrationService] 租户 %d 已连接 %s", tenantID, req.Provider)
	return &IntegrationView{
		Provider:    integration.Provider,
		IsActive:    true,
		Description: integration.Description,
		LastUpdated: time.Now(),
	}, nil
}

// Refresh 重新读取结构并生成描述。
func (s *integrationService) Refresh(ctx context.Context, tenantID uint, provider model.BackendKind) (*IntegrationView, error) {
	integration, err := s.integrations.FindByProvider(tenantID, provider)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIntegrationNotFound
	}
	if err != nil {
		return nil, err
	}
	cred, err := integration.Credential()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	schemaJSON, description := s.profile(ctx, cred)
	if schemaJSON == nil {
		schemaJSON = integration.SchemaMap
	}
	if description == "" {
		description = integration.Description
	}
	if err := s.integrations.UpdateProfile(integration.ID, schemaJSON, description); err != nil {
		return nil, fmt.Errorf("更新数据源画像失败: %w", err)
	}
	log.Infof("[IntegrationService] 租户 %d 的 %s 画像已刷新", tenantID, provider)
	return &IntegrationView{
		Provider:    provider,
		IsActive:    integration.IsActive,
		Description: description,
		LastUpdated: time.Now(),
	}, nil
}

// profile 返回序列化后的结构与描述，两者为空表示没有新结果。
func (s *integrationService) profile(ctx context.Context, cred model.Credential) ([]byte, string) {
	switch cred.Kind() {
	case model.KindLLM:
		return nil, ""
	case model.KindVector:
		return nil, vectorDescription
	}
	schema, err := s.discover(ctx, cred)
	if err != nil {
		log.Warnf("[IntegrationService] %s 结构发现失败: %v", cred.Kind(), err)
		return nil, ""
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, ""
	}
	return schemaJSON, s.profiler.Describe(ctx, cred.Kind(), schema)
}

func (s *integrationService) List(tenantID uint) ([]IntegrationView, error) {
	integrations, err := s.integrations.FindByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	views := make([]IntegrationView, 0, len(integrations))
	for _, in := range integrations {
		updated := in.UpdatedAt
		if updated.IsZero() {
			updated = in.CreatedAt
		}
		views = append(views, IntegrationView{
			Provider:    in.Provider,
			IsActive:    in.IsActive,
			Description: in.Description,
			LastUpdated: updated,
		})
	}
	return views, nil
}

// UpdatePersona 修改机器人的名称与指令。
func (s *integrationService) UpdatePersona(tenantID uint, botName, instruction string) (*model.Tenant, error) {
	botName = strings.TrimSpace(botName)
	if botName == "" {
		return nil, ErrInvalidPersona
	}
	tenant, err := s.tenants.FindByID(tenantID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	tenant.BotName = botName
	tenant.BotInstruction = strings.TrimSpace(instruction)
	if err := s.tenants.Update(tenant); err != nil {
		return nil, fmt.Errorf("更新机器人人设失败: %w", err)
	}
	return tenant, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"omni-agent-go/internal/config"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/pipeline"
	"omni-agent-go/internal/repository"
	"omni-agent-go/internal/routing"
	"omni-agent-go/internal/tools"
	"omni-agent-go/pkg/llm"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/pii"
	"strings"
)

// 对话记录中标记答案来源的取值，数据源 agent 的取值见 tools.Label。
const (
	LabelBlocked     = "blocked"
	LabelRAGFallback = "rag_fallback"
	LabelGeneral     = "general_chat"
)

const (
	msgLLMNotConfigured = "Please configure your AI Model in Settings."
	msgUnavailable      = "I am currently unable to process your request. Please check your AI configuration."
	msgBlocked          = "Your message was blocked by our security policy. Please rephrase your question."
	msgNoContext        = "No specific documents found."

	personaPrompt = `IDENTITY: You are '%s'.
MISSION: %s

CONTEXT FROM KNOWLEDGE BASE:
%s

Answer the user's question based on the context above or your general knowledge if permitted by your mission.`
)

var (
	ErrLLMNotConfigured = errors.New("tenant llm not configured")
	ErrEmptyMessage     = errors.New("message is empty")
)

// ChatRequest 是一轮对话的输入。
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ChatResponse 是一轮对话的输出。
type ChatResponse struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
	Backend   string `json:"backend"`
}

// BackendRouter 为消息挑选最匹配的数据源。
type BackendRouter interface {
	Route(ctx context.Context, query string, candidates map[string]string) (routing.Decision, error)
}

// BackendAgent 用数据源回答一条消息。
type BackendAgent interface {
	Answer(ctx context.Context, message string) (string, error)
}

// AgentFactory 为选中的数据源创建 agent，返回的 release 用于释放连接。
type AgentFactory func(ctx context.Context, backend model.Backend, client llm.Client) (agent BackendAgent, release func(), err error)

// LLMFactory 用租户的 LLM 凭证创建客户端。
type LLMFactory func(cred model.LLMCredential) llm.Client

// DefaultAgentFactory 连接数据源并包装成 tools.Agent。
func DefaultAgentFactory(ctx context.Context, backend model.Backend, client llm.Client) (BackendAgent, func(), error) {
	tool, err := tools.Open(ctx, backend.Credential)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := tool.Close(); err != nil {
			log.Warnf("[ChatService] 关闭 %s 连接失败: %v", tool.Kind(), err)
		}
	}
	return tools.NewAgent(client, tool, backend.SchemaMap), release, nil
}

// DefaultLLMFactory 创建 OpenAI 兼容的聊天客户端。
func DefaultLLMFactory(cred model.LLMCredential) llm.Client {
	return llm.NewClient(config.LLMConfig{APIKey: cred.APIKey, BaseURL: cred.BaseURL, Model: cred.Model})
}

// ChatService 定义了对话编排的接口。
type ChatService interface {
	Chat(ctx context.Context, tenant *model.Tenant, req ChatRequest) (*ChatResponse, error)
	// StreamChat 与 Chat 相同，但会把回答以增量片段回调给 onDelta。
	StreamChat(ctx context.Context, tenant *model.Tenant, req ChatRequest, onDelta func(string) error) (*ChatResponse, error)
	History(ctx context.Context, tenant *model.Tenant, sessionID string) ([]model.ChatMessage, error)
}

// ChatDeps 汇集对话编排器的依赖。
type ChatDeps struct {
	Integrations  repository.IntegrationRepository
	Conversations ConversationService
	Router        BackendRouter
	Indexes       pipeline.IndexResolver
	LLMs          LLMFactory
	Agents        AgentFactory
	Config        config.ChatConfig
}

type chatService struct {
	integrations  repository.IntegrationRepository
	conversations ConversationService
	router        BackendRouter
	indexes       pipeline.IndexResolver
	llms          LLMFactory
	agents        AgentFactory
	cfg           config.ChatConfig
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(deps ChatDeps) ChatService {
	if deps.LLMs == nil {
		deps.LLMs = DefaultLLMFactory
	}
	if deps.Agents == nil {
		deps.Agents = DefaultAgentFactory
	}
	if deps.Config.TopK <= 0 {
		deps.Config.TopK = 3
	}
	return &chatService{
		integrations:  deps.Integrations,
		conversations: deps.Conversations,
		router:        deps.Router,
		indexes:       deps.Indexes,
		llms:          deps.LLMs,
		agents:        deps.Agents,
		cfg:           deps.Config,
	}
}

func (s *chatService) Chat(ctx context.Context, tenant *model.Tenant, req ChatRequest) (*ChatResponse, error) {
	return s.run(ctx, tenant, req, nil)
}

func (s *chatService) StreamChat(ctx context.Context, tenant *model.Tenant, req ChatRequest, onDelta func(string) error) (*ChatResponse, error) {
	return s.run(ctx, tenant, req, onDelta)
}

func (s *chatService) History(ctx context.Context, tenant *model.Tenant, sessionID string) ([]model.ChatMessage, error) {
	return s.conversations.History(ctx, tenant.ID, sessionID)
}

// run 执行一轮对话：注入检查 -> 加载设置 -> 路由 -> 数据源 agent -> (RAG 兜底) -> 脱敏落库。
func (s *chatService) run(ctx context.Context, tenant *model.Tenant, req ChatRequest, onDelta func(string) error) (*ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	resp := &ChatResponse{SessionID: s.conversations.ResolveSession(ctx, tenant.ID, req.SessionID)}

	// 1. 提示词注入检查，命中后仍然记录
	if safe, reason := pii.CheckInjection(message); !safe {
		log.Warnf("[ChatService] 租户 %d 的消息被拦截: %s", tenant.ID, reason)
		resp.Response, resp.Backend = msgBlocked, LabelBlocked
		emit(onDelta, resp.Response)
		s.persist(tenant.ID, resp, message)
		return resp, nil
	}

	// 2. 加载租户设置，没有 LLM 时直接提示配置
	settings, client, err := s.loadSettings(tenant.ID)
	if errors.Is(err, ErrLLMNotConfigured) {
		resp.Response = msgLLMNotConfigured
		emit(onDelta, resp.Response)
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	// 3. 语义路由到数据源 agent
	answer, label := s.answerFromBackend(ctx, tenant.ID, message, settings, client)
	if answer != "" {
		emit(onDelta, answer)
	} else {
		// 4. RAG 兜底
		log.Infof("[ChatService] 租户 %d 进入 RAG 兜底", tenant.ID)
		answer, label = s.fallback(ctx, tenant, resp.SessionID, message, client, onDelta)
	}

	resp.Response, resp.Backend = answer, label
	s.persist(tenant.ID, resp, message)
	return resp, nil
}

func (s *chatService) loadSettings(tenantID uint) (*model.TenantSettings, llm.Client, error) {
	integrations, err := s.integrations.FindByTenant(tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("load integrations: %w", err)
	}
	settings, skipped := model.BuildSettings(integrations)
	if len(skipped) > 0 {
		log.Warnf("[ChatService] 租户 %d 的以下凭证无法解析，已忽略: %v", tenantID, skipped)
	}
	if settings.LLM == nil {
		return nil, nil, ErrLLMNotConfigured
	}
	return settings, s.llms(*settings.LLM), nil
}

// answerFromBackend 返回数据源 agent 的回答；没有选中数据源或软失败时返回空串。
func (s *chatService) answerFromBackend(ctx context.Context, tenantID uint, message string, settings *model.TenantSettings, client llm.Client) (string, string) {
	candidates := settings.RouteCandidates()
	if len(candidates) == 0 || s.router == nil {
		return "", ""
	}
	decision, err := s.router.Route(ctx, message, candidates)
	if err != nil {
		log.Warnf("[ChatService] 路由失败, tenant: %d, error: %v", tenantID, err)
		return "", ""
	}
	if !decision.Matched {
		return "", ""
	}

	kind := model.BackendKind(decision.Backend)
	backend, ok := settings.Backends[kind]
	if !ok {
		return "", ""
	}
	answer, err := s.runAgent(ctx, backend, client, message)
	if err != nil {
		log.Warnf("[ChatService] %s agent 执行失败, tenant: %d, error: %v", kind, tenantID, err)
		return "", ""
	}
	if softFailure(answer) {
		log.Infof("[ChatService] %s agent 没有给出可用回答, tenant: %d", kind, tenantID)
		return "", ""
	}
	return answer, tools.Label(kind)
}

func (s *chatService) runAgent(ctx context.Context, backend model.Backend, client llm.Client, message string) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	agent, release, err := s.agents(ctx, backend, client)
	if err != nil {
		return "", err
	}
	defer release()
	return agent.Answer(ctx, message)
}

func softFailure(answer string) bool {
	return strings.TrimSpace(answer) == "" || strings.Contains(strings.ToLower(answer), "error")
}

// fallback 用租户人设、知识库上下文和会话历史生成回答。
func (s *chatService) fallback(ctx context.Context, tenant *model.Tenant, sessionID, message string, client llm.Client, onDelta func(string) error) (string, string) {
	history, err := s.conversations.History(ctx, tenant.ID, sessionID)
	if err != nil {
		log.Warnf("[ChatService] 读取会话历史失败, session: %s, error: %v", sessionID, err)
	}
	messages := composeMessages(s.systemPrompt(tenant, s.retrieve(ctx, tenant.ID, message)), history, message)

	if onDelta == nil {
		answer, err := client.Generate(ctx, messages, nil)
		if err != nil || strings.TrimSpace(answer) == "" {
			log.Errorf("[ChatService] 生成回答失败, tenant: %d, error: %v", tenant.ID, err)
			return msgUnavailable, LabelGeneral
		}
		return answer, LabelRAGFallback
	}

	var sb strings.Builder
	err = client.StreamChatMessages(ctx, messages, nil, func(delta string) error {
		sb.WriteString(delta)
		return onDelta(delta)
	})
	if err != nil {
		log.Errorf("[ChatService] 流式生成回答失败, tenant: %d, error: %v", tenant.ID, err)
	}
	if sb.Len() == 0 {
		emit(onDelta, msgUnavailable)
		return msgUnavailable, LabelGeneral
	}
	return sb.String(), LabelRAGFallback
}

// retrieve 从租户向量索引取 top-k 分块，索引不可用时返回空串。
func (s *chatService) retrieve(ctx context.Context, tenantID uint, message string) string {
	if s.indexes == nil {
		return ""
	}
	idx, err := s.indexes.Resolve(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, pipeline.ErrNoIndexConfigured) {
			log.Warnf("[ChatService] 打开向量索引失败, tenant: %d, error: %v", tenantID, err)
		}
		return ""
	}
	chunks, err := idx.SimilaritySearch(ctx, tenantID, message, s.cfg.TopK)
	if err != nil {
		log.Warnf("[ChatService] 检索知识库失败, tenant: %d, error: %v", tenantID, err)
		return ""
	}
	texts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}
	return strings.Join(texts, "\n\n")
}

func (s *chatService) systemPrompt(tenant *model.Tenant, contextText string) string {
	name := tenant.BotName
	if name == "" {
		name = s.cfg.DefaultBotName
	}
	instruction := tenant.BotInstruction
	if instruction == "" {
		instruction = s.cfg.DefaultInstruction
	}
	if contextText == "" {
		contextText = msgNoContext
	}
	return fmt.Sprintf(personaPrompt, name, instruction, contextText)
}

func composeMessages(system string, history []model.ChatMessage, message string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: "system", Content: system})
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: "user", Content: message})
}

func (s *chatService) persist(tenantID uint, resp *ChatResponse, message string) {
	if err := s.conversations.Record(tenantID, resp.SessionID, message, resp.Response, resp.Backend); err != nil {
		log.Errorf("[ChatService] 保存对话记录失败, tenant: %d, error: %v", tenantID, err)
	}
}

func emit(onDelta func(string) error, text string) {
	if onDelta == nil {
		return
	}
	if err := onDelta(text); err != nil {
		log.Warnf("[ChatService] 推送回答失败: %v", err)
	}
}

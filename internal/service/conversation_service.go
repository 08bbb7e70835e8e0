package service

import (
	"context"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/repository"
	"omni-agent-go/pkg/log"
	"omni-agent-go/pkg/pii"

	"github.com/google/uuid"
)

// ConversationService 管理租户的当前会话以及脱敏后的对话记录。
type ConversationService interface {
	ResolveSession(ctx context.Context, tenantID uint, requested string) string
	History(ctx context.Context, tenantID uint, sessionID string) ([]model.ChatMessage, error)
	Record(tenantID uint, sessionID, human, ai, provider string) error
}

type conversationService struct {
	sessions     repository.ConversationRepository
	history      repository.ChatHistoryRepository
	historyTurns int
}

// NewConversationService 创建一个新的 ConversationService。
func NewConversationService(sessions repository.ConversationRepository, history repository.ChatHistoryRepository, historyTurns int) ConversationService {
	return &conversationService{sessions: sessions, history: history, historyTurns: historyTurns}
}

// ResolveSession 返回本轮使用的会话 ID。客户端指定时沿用并设为当前会话，
// 否则取 Redis 中的当前会话；Redis 不可用时生成一次性 ID，对话不受影响。
func (s *conversationService) ResolveSession(ctx context.Context, tenantID uint, requested string) string {
	if requested != "" {
		if err := s.sessions.SetSessionID(ctx, tenantID, requested); err != nil {
			log.Warnf("[ConversationService] 记录当前会话失败, tenant: %d, error: %v", tenantID, err)
		}
		return requested
	}
	sessionID, err := s.sessions.GetOrCreateSessionID(ctx, tenantID)
	if err != nil {
		log.Warnf("[ConversationService] 读取当前会话失败，使用临时会话, tenant: %d, error: %v", tenantID, err)
		return uuid.New().String()
	}
	return sessionID
}

// History 返回会话最近若干轮的消息，按时间正序。
func (s *conversationService) History(_ context.Context, tenantID uint, sessionID string) ([]model.ChatMessage, error) {
	if sessionID == "" {
		return []model.ChatMessage{}, nil
	}
	rows, err := s.history.FindRecent(tenantID, sessionID, s.historyTurns)
	if err != nil {
		return nil, err
	}
	msgs := make([]model.ChatMessage, 0, len(rows)*2)
	for _, row := range rows {
		msgs = append(msgs, row.Messages()...)
	}
	return msgs, nil
}

// Record 脱敏后追加一条对话记录。
func (s *conversationService) Record(tenantID uint, sessionID, human, ai, provider string) error {
	if sessionID == "" {
		return nil
	}
	return s.history.Create(&model.ChatHistory{
		TenantID:     tenantID,
		SessionID:    sessionID,
		HumanMessage: pii.Scrub(human),
		AIMessage:    pii.Scrub(ai),
		Provider:     provider,
	})
}

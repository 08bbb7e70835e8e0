// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"fmt"
	"omni-agent-go/pkg/log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const sessionTTL = 7 * 24 * time.Hour

// ConversationRepository 记录每个租户当前的会话 ID。
type ConversationRepository interface {
	GetOrCreateSessionID(ctx context.Context, tenantID uint) (string, error)
	SetSessionID(ctx context.Context, tenantID uint, sessionID string) error
}

type redisConversationRepository struct {
	redisClient *redis.Client
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例。
func NewConversationRepository(redisClient *redis.Client) ConversationRepository {
	return &redisConversationRepository{redisClient: redisClient}
}

func sessionKey(tenantID uint) string {
	return fmt.Sprintf("tenant:%d:current_session", tenantID)
}

// GetOrCreateSessionID 返回租户当前会话；不存在时用 SETNX 创建，并发请求拿到同一个会话。
func (r *redisConversationRepository) GetOrCreateSessionID(ctx context.Context, tenantID uint) (string, error) {
	key := sessionKey(tenantID)
	sessionID, err := r.redisClient.Get(ctx, key).Result()
	if err == nil {
		return sessionID, nil
	}
	if err != redis.Nil {
		return "", fmt.Errorf("failed to get session id: %w", err)
	}

	created, err := r.redisClient.SetNX(ctx, key, uuid.New().String(), sessionTTL).Result()
	if err != nil {
		return "", fmt.Errorf("failed to set session id: %w", err)
	}
	if !created {
		log.Debugf("[ConversationRepository] 租户 %d 的会话已被并发请求创建", tenantID)
	}
	return r.redisClient.Get(ctx, key).Result()
}

// SetSessionID 把客户端指定的会话设为当前会话并续期。
func (r *redisConversationRepository) SetSessionID(ctx context.Context, tenantID uint, sessionID string) error {
	if err := r.redisClient.Set(ctx, sessionKey(tenantID), sessionID, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to set session id: %w", err)
	}
	return nil
}

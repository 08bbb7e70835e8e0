package model

import "time"

// ChatMessage 是发送给 LLM 的一条角色消息，也用于对外返回历史。
type ChatMessage struct {
	Role      string    `json:"role"` // "user" 或 "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatHistory 对应 chat_history 表，只追加。写入前已完成 PII 脱敏。
type ChatHistory struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	TenantID     uint      `gorm:"not null;index:idx_tenant_session" json:"tenantId"`
	SessionID    string    `gorm:"type:varchar(100);not null;index:idx_tenant_session" json:"sessionId"`
	HumanMessage string    `gorm:"type:text" json:"humanMessage"`
	AIMessage    string    `gorm:"type:text" json:"aiMessage"`
	Provider     string    `gorm:"type:varchar(50)" json:"provider"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"createdAt"`
}

func (ChatHistory) TableName() string {
	return "chat_history"
}

// Messages 把一条记录展开成 user/assistant 两条消息。
func (h ChatHistory) Messages() []ChatMessage {
	msgs := []ChatMessage{{Role: "user", Content: h.HumanMessage, Timestamp: h.CreatedAt}}
	if h.AIMessage != "" {
		msgs = append(msgs, ChatMessage{Role: "assistant", Content: h.AIMessage, Timestamp: h.CreatedAt})
	}
	return msgs
}

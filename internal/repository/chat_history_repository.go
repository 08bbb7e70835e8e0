package repository

import (
	"omni-agent-go/internal/model"

	"gorm.io/gorm"
)

// ChatHistoryRepository 只追加地保存对话记录。
type ChatHistoryRepository interface {
	Create(entry *model.ChatHistory) error
	FindRecent(tenantID uint, sessionID string, limit int) ([]model.ChatHistory, error)
}

type chatHistoryRepository struct {
	db *gorm.DB
}

// NewChatHistoryRepository 创建一个新的 ChatHistoryRepository 实例。
func NewChatHistoryRepository(db *gorm.DB) ChatHistoryRepository {
	return &chatHistoryRepository{db: db}
}

func (r *chatHistoryRepository) Create(entry *model.ChatHistory) error {
	return r.db.Create(entry).Error
}

// FindRecent 返回会话最近的 limit 条记录，按时间正序。
func (r *chatHistoryRepository) FindRecent(tenantID uint, sessionID string, limit int) ([]model.ChatHistory, error) {
	var rows []model.ChatHistory
	q := r.db.Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Tenant 对应 tenants 表。租户拥有各类数据源凭证、机器人人设以及用于挂件对话的 API Key。
type Tenant struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Username       string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Password       string    `gorm:"type:varchar(255);not null" json:"-"`
	Role           string    `gorm:"type:varchar(20);not null;default:'USER'" json:"role"`
	APIKey         string    `gorm:"type:varchar(64);uniqueIndex" json:"apiKey"`
	BotName        string    `gorm:"type:varchar(100)" json:"botName"`
	BotInstruction string    `gorm:"type:text" json:"botInstruction"`
	AllowedDomains string    `gorm:"type:varchar(500);default:'*'" json:"allowedDomains"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Tenant) TableName() string {
	return "tenants"
}

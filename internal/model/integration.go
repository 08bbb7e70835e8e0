package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Integration 对应 integrations 表，记录租户连接的一个数据源。
// 同一租户同一 provider 只保留一条记录。
type Integration struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	TenantID    uint           `gorm:"not null;uniqueIndex:idx_tenant_provider" json:"tenantId"`
	Provider    BackendKind    `gorm:"type:varchar(20);not null;uniqueIndex:idx_tenant_provider" json:"provider"`
	Credentials datatypes.JSON `gorm:"type:json;not null" json:"-"`
	SchemaMap   datatypes.JSON `gorm:"type:json" json:"schemaMap,omitempty"`
	Description string         `gorm:"type:text" json:"description"`
	IsActive    bool           `gorm:"not null;default:true" json:"isActive"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Integration) TableName() string {
	return "integrations"
}

// Credential 解析出类型化的凭证。
func (i *Integration) Credential() (Credential, error) {
	return DecodeCredential(i.Provider, i.Credentials)
}

// Schema 返回解析后的 schema map，解析失败时返回 nil。
func (i *Integration) Schema() map[string]interface{} {
	if len(i.SchemaMap) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(i.SchemaMap, &m); err != nil {
		return nil
	}
	return m
}

// BuildSettings 把有效集成组装成 TenantSettings，无法解析的凭证被跳过并返回其 provider。
func BuildSettings(integrations []Integration) (*TenantSettings, []BackendKind) {
	settings := &TenantSettings{Backends: make(map[BackendKind]Backend)}
	var skipped []BackendKind
	for i := range integrations {
		in := &integrations[i]
		if !in.IsActive {
			continue
		}
		cred, err := in.Credential()
		if err != nil {
			skipped = append(skipped, in.Provider)
			continue
		}
		switch c := cred.(type) {
		case LLMCredential:
			settings.LLM = &c
		case VectorCredential:
			settings.Vector = &c
		default:
			settings.Backends[c.Kind()] = Backend{
				Credential:  c,
				Description: in.Description,
				SchemaMap:   in.Schema(),
			}
		}
	}
	return settings, skipped
}

package repository

import (
	"omni-agent-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IntegrationRepository 管理租户的数据源集成。
type IntegrationRepository interface {
	Upsert(integration *model.Integration) error
	FindByTenant(tenantID uint) ([]model.Integration, error)
	FindByProvider(tenantID uint, provider model.BackendKind) (*model.Integration, error)
	UpdateProfile(id uint, schemaMap []byte, description string) error
}

type integrationRepository struct {
	db *gorm.DB
}

// NewIntegrationRepository 创建一个新的 IntegrationRepository 实例。
func NewIntegrationRepository(db *gorm.DB) IntegrationRepository {
	return &integrationRepository{db: db}
}

// Upsert 按 (tenant_id, provider) 写入集成，已存在时覆盖凭证并重新激活。
func (r *integrationRepository) Upsert(integration *model.Integration) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"credentials", "schema_map", "description", "is_active", "updated_at"}),
	}).Create(integration).Error
}

// FindByTenant 返回租户的全部集成。
func (r *integrationRepository) FindByTenant(tenantID uint) ([]model.Integration, error) {
	var integrations []model.Integration
	err := r.db.Where("tenant_id = ?", tenantID).Order("provider").Find(&integrations).Error
	return integrations, err
}

// FindByProvider 返回租户某一类数据源的集成。
func (r *integrationRepository) FindByProvider(tenantID uint, provider model.BackendKind) (*model.Integration, error) {
	var integration model.Integration
	err := r.db.Where("tenant_id = ? AND provider = ?", tenantID, provider).First(&integration).Error
	if err != nil {
		return nil, err
	}
	return &integration, nil
}

// UpdateProfile 保存 schema 发现结果和画像描述。
func (r *integrationRepository) UpdateProfile(id uint, schemaMap []byte, description string) error {
	return r.db.Model(&model.Integration{}).Where("id = ?", id).Updates(map[string]interface{}{
		"schema_map":  schemaMap,
		"description": description,
	}).Error
}

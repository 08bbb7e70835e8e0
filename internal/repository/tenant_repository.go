// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"omni-agent-go/internal/model"

	"gorm.io/gorm"
)

// TenantRepository 接口定义了租户数据的持久化操作。
type TenantRepository interface {
	Create(tenant *model.Tenant) error
	FindByUsername(username string) (*model.Tenant, error)
	FindByID(tenantID uint) (*model.Tenant, error)
	FindByAPIKey(apiKey string) (*model.Tenant, error)
	Update(tenant *model.Tenant) error
}

// tenantRepository 是 TenantRepository 接口的 GORM 实现。
type tenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository 创建一个新的 TenantRepository 实例。
func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &tenantRepository{db: db}
}

// Create 在数据库中创建一个新的租户记录。
func (r *tenantRepository) Create(tenant *model.Tenant) error {
	return r.db.Create(tenant).Error
}

// FindByUsername 根据用户名从数据库中查找一个租户。
func (r *tenantRepository) FindByUsername(username string) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := r.db.Where("username = ?", username).First(&tenant).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

// FindByID 根据 ID 查找租户。
func (r *tenantRepository) FindByID(tenantID uint) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := r.db.First(&tenant, tenantID).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

// FindByAPIKey 根据挂件 API Key 查找租户。
func (r *tenantRepository) FindByAPIKey(apiKey string) (*model.Tenant, error) {
	var tenant model.Tenant
	if err := r.db.Where("api_key = ?", apiKey).First(&tenant).Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

// Update 更新数据库中一个已存在的租户记录。
func (r *tenantRepository) Update(tenant *model.Tenant) error {
	return r.db.Save(tenant).Error
}

package repository

import (
	"omni-agent-go/internal/model"

	"gorm.io/gorm"
)

// IngestionJobRepository 持久化导入任务。
type IngestionJobRepository interface {
	Create(job *model.IngestionJob) error
	FindByID(id string) (*model.IngestionJob, error)
	FindByTenant(tenantID uint, limit int) ([]model.IngestionJob, error)
	Save(job *model.IngestionJob) error
}

type ingestionJobRepository struct {
	db *gorm.DB
}

// NewIngestionJobRepository 创建一个新的 IngestionJobRepository 实例。
func NewIngestionJobRepository(db *gorm.DB) IngestionJobRepository {
	return &ingestionJobRepository{db: db}
}

func (r *ingestionJobRepository) Create(job *model.IngestionJob) error {
	return r.db.Create(job).Error
}

func (r *ingestionJobRepository) FindByID(id string) (*model.IngestionJob, error) {
	var job model.IngestionJob
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// FindByTenant 按创建时间倒序返回租户最近的任务。
func (r *ingestionJobRepository) FindByTenant(tenantID uint, limit int) ([]model.IngestionJob, error) {
	var jobs []model.IngestionJob
	q := r.db.Where("tenant_id = ?", tenantID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&jobs).Error
	return jobs, err
}

func (r *ingestionJobRepository) Save(job *model.IngestionJob) error {
	return r.db.Save(job).Error
}

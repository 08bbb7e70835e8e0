package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// JobStatus 是导入任务的状态。
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal 表示任务是否已经结束。
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobKind 是导入任务的来源类型。
type JobKind string

const (
	JobKindURL     JobKind = "url"
	JobKindArchive JobKind = "archive"
	JobKindFile    JobKind = "file"
)

// 报告条目的结果取值
const (
	OutcomeSuccess = "success"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// ReportEntry 是任务报告中的一行。
type ReportEntry struct {
	Item    string `json:"item"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
	Chunks  int    `json:"chunks,omitempty"`
}

// IngestionJob 对应 ingestion_jobs 表。
type IngestionJob struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	TenantID       uint           `gorm:"not null;index" json:"tenantId"`
	SessionID      string         `gorm:"type:varchar(100);index" json:"sessionId"`
	Kind           JobKind        `gorm:"type:varchar(20);not null" json:"kind"`
	SourceName     string         `gorm:"type:varchar(1024);not null" json:"sourceName"`
	ObjectName     string         `gorm:"type:varchar(255)" json:"-"`
	CrawlMode      string         `gorm:"type:varchar(20)" json:"crawlMode,omitempty"`
	Status         JobStatus      `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	ItemsProcessed int            `gorm:"not null;default:0" json:"itemsProcessed"`
	ItemsTotal     int            `gorm:"not null;default:0" json:"itemsTotal"`
	Report         datatypes.JSON `gorm:"type:json" json:"report"`
	ErrorMessage   string         `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (IngestionJob) TableName() string {
	return "ingestion_jobs"
}

// Entries 解析任务报告。
func (j *IngestionJob) Entries() []ReportEntry {
	if len(j.Report) == 0 {
		return nil
	}
	var entries []ReportEntry
	if err := json.Unmarshal(j.Report, &entries); err != nil {
		return nil
	}
	return entries
}

// SetEntries 序列化任务报告。
func (j *IngestionJob) SetEntries(entries []ReportEntry) {
	if entries == nil {
		entries = []ReportEntry{}
	}
	b, _ := json.Marshal(entries)
	j.Report = datatypes.JSON(b)
}

// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestionTask 指向一个已创建的导入任务，任务详情从 ingestion_jobs 表读取。
type IngestionTask struct {
	JobID    string `json:"job_id"`
	TenantID uint   `json:"tenant_id"`
	Kind     string `json:"kind"`
}

package pipeline

import (
	"fmt"
	"omni-agent-go/internal/model"
)

// JobStore 持久化导入任务。
type JobStore interface {
	Create(job *model.IngestionJob) error
	FindByID(id string) (*model.IngestionJob, error)
	Save(job *model.IngestionJob) error
}

// ErrInvalidTransition 表示任务状态不允许这样流转。
type ErrInvalidTransition struct {
	From, To model.JobStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

// JobTracker 维护 pending -> processing -> completed/failed 状态机。
// 一个任务记录只由拥有它的导入流程修改。处理中进度只增不减。
type JobTracker struct {
	store JobStore
}

// NewJobTracker 创建任务跟踪器。
func NewJobTracker(store JobStore) *JobTracker {
	return &JobTracker{store: store}
}

// Create 以 pending 状态保存一个新任务。
func (t *JobTracker) Create(job *model.IngestionJob) error {
	job.Status = model.JobPending
	job.ItemsProcessed, job.ItemsTotal = 0, 0
	job.SetEntries(nil)
	return t.store.Create(job)
}

// Get 读取任务。
func (t *JobTracker) Get(id string) (*model.IngestionJob, error) {
	return t.store.FindByID(id)
}

// MarkProcessing 在前置检查通过后把任务置为 processing。重复调用是允许的。
func (t *JobTracker) MarkProcessing(job *model.IngestionJob, total int) error {
	if err := t.transition(job, model.JobProcessing); err != nil {
		return err
	}
	if total > job.ItemsTotal {
		job.ItemsTotal = total
	}
	return t.store.Save(job)
}

// UpdateProgress 更新处理进度。
func (t *JobTracker) UpdateProgress(job *model.IngestionJob, processed, total int) error {
	if job.Status != model.JobProcessing {
		return &ErrInvalidTransition{From: job.Status, To: model.JobProcessing}
	}
	t.advance(job, processed, total)
	return t.store.Save(job)
}

// RecordItem 追加一条报告并更新进度，一次写入。
func (t *JobTracker) RecordItem(job *model.IngestionJob, entry model.ReportEntry, processed, total int) error {
	if job.Status != model.JobProcessing {
		return &ErrInvalidTransition{From: job.Status, To: model.JobProcessing}
	}
	job.SetEntries(append(job.Entries(), entry))
	t.advance(job, processed, total)
	return t.store.Save(job)
}

// Complete 把任务置为 completed。总数以最终值为准，不小于已处理数。
func (t *JobTracker) Complete(job *model.IngestionJob, processed, total int) error {
	if err := t.transition(job, model.JobCompleted); err != nil {
		return err
	}
	if processed > job.ItemsProcessed {
		job.ItemsProcessed = processed
	}
	if total < job.ItemsProcessed {
		total = job.ItemsProcessed
	}
	job.ItemsTotal = total
	return t.store.Save(job)
}

// Fail 把任务置为 failed 并记录原因。
func (t *JobTracker) Fail(job *model.IngestionJob, reason string) error {
	if err := t.transition(job, model.JobFailed); err != nil {
		return err
	}
	job.ErrorMessage = reason
	return t.store.Save(job)
}

func (t *JobTracker) advance(job *model.IngestionJob, processed, total int) {
	if processed > job.ItemsProcessed {
		job.ItemsProcessed = processed
	}
	if total > job.ItemsTotal {
		job.ItemsTotal = total
	}
}

func (t *JobTracker) transition(job *model.IngestionJob, to model.JobStatus) error {
	from := job.Status
	ok := false
	switch to {
	case model.JobProcessing:
		ok = from == model.JobPending || from == model.JobProcessing
	case model.JobCompleted:
		ok = from == model.JobProcessing
	case model.JobFailed:
		ok = !from.Terminal()
	}
	if !ok {
		return &ErrInvalidTransition{From: from, To: to}
	}
	job.Status = to
	return nil
}

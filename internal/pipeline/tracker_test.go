package pipeline

import (
	"errors"
	"omni-agent-go/internal/model"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// memJobStore 记录每次保存时的快照，便于检查状态历史。
type memJobStore struct {
	mu      sync.Mutex
	jobs    map[string]model.IngestionJob
	history []model.IngestionJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]model.IngestionJob)}
}

func (s *memJobStore) Create(job *model.IngestionJob) error {
	return s.Save(job)
}

func (s *memJobStore) FindByID(id string) (*model.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &job, nil
}

func (s *memJobStore) Save(job *model.IngestionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	s.history = append(s.history, *job)
	return nil
}

func (s *memJobStore) snapshots() []model.IngestionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.IngestionJob(nil), s.history...)
}

func TestJobTrackerLifecycle(t *testing.T) {
	store := newMemJobStore()
	tr := NewJobTracker(store)
	job := &model.IngestionJob{ID: "j1", TenantID: 1, Kind: model.JobKindArchive}

	require.NoError(t, tr.Create(job))
	assert.Equal(t, model.JobPending, job.Status)

	require.NoError(t, tr.MarkProcessing(job, 3))
	require.NoError(t, tr.RecordItem(job, model.ReportEntry{Item: "a.txt", Outcome: model.OutcomeSuccess, Chunks: 2}, 1, 3))
	require.NoError(t, tr.UpdateProgress(job, 0, 1))
	assert.Equal(t, 1, job.ItemsProcessed)
	assert.Equal(t, 3, job.ItemsTotal)

	require.NoError(t, tr.Complete(job, 3, 3))
	stored, err := tr.Get("j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, stored.Status)
	assert.Len(t, stored.Entries(), 1)

	var invalid *ErrInvalidTransition
	assert.True(t, errors.As(tr.Fail(job, "late"), &invalid))
	assert.Error(t, tr.UpdateProgress(job, 5, 5))
}

func TestJobTrackerFailFromPending(t *testing.T) {
	tr := NewJobTracker(newMemJobStore())
	job := &model.IngestionJob{ID: "j2"}
	require.NoError(t, tr.Create(job))

	assert.Error(t, tr.Complete(job, 0, 0))
	require.NoError(t, tr.Fail(job, "no vector database configured"))
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, "no vector database configured", job.ErrorMessage)
}

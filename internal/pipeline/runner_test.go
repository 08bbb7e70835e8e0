package pipeline

import (
	"context"
	"errors"
	"omni-agent-go/internal/model"
	"omni-agent-go/pkg/tasks"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dirStager 从本地目录“下载”对象。
type dirStager struct {
	mu      sync.Mutex
	dir     string
	removed []string
}

func (s *dirStager) Fetch(_ context.Context, objectName, destPath string) error {
	b, err := os.ReadFile(filepath.Join(s.dir, objectName))
	if err != nil {
		return err
	}
	return os.WriteFile(destPath, b, 0o644)
}

func (s *dirStager) Remove(_ context.Context, objectName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, objectName)
	return nil
}

func newTestRunner(t *testing.T, idx VectorIndex, store *memJobStore, stager ObjectStager) *Runner {
	t.Helper()
	return newTestRunnerWithParser(t, idx, store, stager, nil)
}

func newTestRunnerWithParser(t *testing.T, idx VectorIndex, store *memJobStore, stager ObjectStager, parser DocumentParser) *Runner {
	t.Helper()
	pool, err := NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	resolver := fakeResolver{idx: idx}
	tracker := NewJobTracker(store)
	chunker := NewChunker(1000, 200)
	ingester := NewFileIngester(resolver, NewExtractorRegistry(parser), chunker, nil)
	scratch := filepath.Join(t.TempDir(), "scratch")
	return NewRunner(context.Background(), RunnerDeps{
		Tracker:    tracker,
		Resolver:   resolver,
		Stager:     stager,
		Crawler:    NewCrawler(resolver, tracker, stubGate{}, chunker, CrawlerConfig{}),
		Archives:   NewArchiveProcessor(resolver, tracker, ingester, scratch, 500),
		Ingester:   ingester,
		Pool:       pool,
		ScratchDir: scratch,
	})
}

func waitTerminal(t *testing.T, store *memJobStore, id string) *model.IngestionJob {
	t.Helper()
	var job *model.IngestionJob
	require.Eventually(t, func() bool {
		j, err := store.FindByID(id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestRunnerProcessesFileJob(t *testing.T) {
	objects := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(objects, "obj-1"), []byte(strings.Repeat("warranty terms ", 100)), 0o644))
	stager := &dirStager{dir: objects}
	idx := newMemIndex()
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "file-1", TenantID: 2, SessionID: "s", Kind: model.JobKindFile, SourceName: "terms.txt", ObjectName: "obj-1"}
	require.NoError(t, NewJobTracker(store).Create(job))

	r := newTestRunner(t, idx, store, stager)
	require.NoError(t, NewLocalDispatcher(r).Dispatch(context.Background(), tasks.IngestionTask{JobID: "file-1", TenantID: 2}))

	done := waitTerminal(t, store, "file-1")
	assert.Equal(t, model.JobCompleted, done.Status)
	require.Len(t, done.Entries(), 1)
	assert.Equal(t, model.OutcomeSuccess, done.Entries()[0].Outcome)
	assert.Positive(t, idx.count())
	require.Eventually(t, func() bool {
		stager.mu.Lock()
		defer stager.mu.Unlock()
		return len(stager.removed) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunnerReturnsErrorForMissingJob(t *testing.T) {
	r := newTestRunner(t, newMemIndex(), newMemJobStore(), &dirStager{dir: t.TempDir()})
	err := r.Process(context.Background(), tasks.IngestionTask{JobID: "missing"})
	assert.Error(t, err)
}

func TestRunnerSkipsTerminalJob(t *testing.T) {
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "done", Kind: model.JobKindFile, Status: model.JobCompleted}
	require.NoError(t, store.Save(job))

	r := newTestRunner(t, newMemIndex(), store, &dirStager{dir: t.TempDir()})
	assert.NoError(t, r.Process(context.Background(), tasks.IngestionTask{JobID: "done"}))
}

func TestRunnerSendsUnknownTypesToDocumentParser(t *testing.T) {
	objects := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(objects, "rtf-1.rtf"), []byte(strings.Repeat("return policy ", 50)), 0o644))
	stager := &dirStager{dir: objects}
	idx := newMemIndex()
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "rtf-1", TenantID: 2, SessionID: "s", Kind: model.JobKindFile, SourceName: "Notes.RTF", ObjectName: "rtf-1.rtf"}
	require.NoError(t, NewJobTracker(store).Create(job))

	parser := &fakeParser{}
	r := newTestRunnerWithParser(t, idx, store, stager, parser)
	require.NoError(t, NewLocalDispatcher(r).Dispatch(context.Background(), tasks.IngestionTask{JobID: "rtf-1", TenantID: 2}))

	done := waitTerminal(t, store, "rtf-1")
	assert.Equal(t, model.JobCompleted, done.Status)
	require.Len(t, done.Entries(), 1)
	assert.Equal(t, model.OutcomeSuccess, done.Entries()[0].Outcome)
	assert.Positive(t, idx.count())
	require.Len(t, parser.names, 1)
	assert.Equal(t, ".rtf", strings.ToLower(filepath.Ext(parser.names[0])))
}

func TestRunnerMissingStagedObjectFailsJob(t *testing.T) {
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "arch", Kind: model.JobKindArchive, SourceName: "a.zip", ObjectName: "nope"}
	require.NoError(t, NewJobTracker(store).Create(job))

	r := newTestRunner(t, newMemIndex(), store, &dirStager{dir: t.TempDir()})
	require.NoError(t, r.Process(context.Background(), tasks.IngestionTask{JobID: "arch"}))

	stored, _ := store.FindByID("arch")
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Equal(t, msgStagedObjectMissing, stored.ErrorMessage)
}

type flakyStager struct{}

func (flakyStager) Fetch(context.Context, string, string) error {
	return errors.New("connection refused")
}

func (flakyStager) Remove(context.Context, string) error { return nil }

func TestRunnerTransientStagingErrorIsRetryable(t *testing.T) {
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "arch", Kind: model.JobKindArchive, SourceName: "a.zip", ObjectName: "obj"}
	require.NoError(t, NewJobTracker(store).Create(job))

	r := newTestRunner(t, newMemIndex(), store, flakyStager{})
	require.Error(t, r.Process(context.Background(), tasks.IngestionTask{JobID: "arch"}))

	stored, _ := store.FindByID("arch")
	assert.Equal(t, model.JobPending, stored.Status)

	r.GiveUp(context.Background(), tasks.IngestionTask{JobID: "arch"}, errors.New("connection refused"))
	stored, _ = store.FindByID("arch")
	assert.Equal(t, model.JobFailed, stored.Status)
	assert.Equal(t, msgGaveUp, stored.ErrorMessage)
}

func TestRunnerGiveUpLeavesTerminalJob(t *testing.T) {
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "done", Kind: model.JobKindFile, Status: model.JobCompleted, ErrorMessage: "ok"}
	require.NoError(t, store.Save(job))

	r := newTestRunner(t, newMemIndex(), store, &dirStager{dir: t.TempDir()})
	r.GiveUp(context.Background(), tasks.IngestionTask{JobID: "done"}, errors.New("late"))

	stored, _ := store.FindByID("done")
	assert.Equal(t, model.JobCompleted, stored.Status)
	assert.Equal(t, "ok", stored.ErrorMessage)
}

func TestRunnerDrainWaitsForRunningJobs(t *testing.T) {
	r := newTestRunner(t, newMemIndex(), newMemJobStore(), &dirStager{dir: t.TempDir()})
	var mu sync.Mutex
	finished := false
	require.NoError(t, r.pool.Submit(func() {
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
	}))

	require.NoError(t, r.Drain(5*time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
}

package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"omni-agent-go/internal/model"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, "upload.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func newTestArchiveProcessor(idx VectorIndex, store *memJobStore, scratch string) *ArchiveProcessor {
	resolver := fakeResolver{idx: idx}
	ingester := NewFileIngester(resolver, NewExtractorRegistry(nil), NewChunker(1000, 200), nil)
	return NewArchiveProcessor(resolver, NewJobTracker(store), ingester, scratch, 500)
}

func TestArchiveMixedEntries(t *testing.T) {
	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	archive := writeZip(t, dir, map[string]string{
		"docs/a.txt":  strings.Repeat("refund policy ", 200),
		"docs/b.md":   "# FAQ\nShipping takes 3 days.",
		"c.csv":       "sku,price\nA1,10\n",
		"tool.exe":    "MZ",
		"img/pic.png": "\x89PNG",
	})
	idx := newMemIndex()
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "zip1", TenantID: 4, SessionID: "sess", SourceName: "upload.zip", Kind: model.JobKindArchive}
	require.NoError(t, NewJobTracker(store).Create(job))

	newTestArchiveProcessor(idx, store, scratch).Start(context.Background(), job, archive)

	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 5, job.ItemsProcessed)
	assert.Equal(t, 5, job.ItemsTotal)
	counts := map[string]int{}
	for _, e := range job.Entries() {
		counts[e.Outcome]++
	}
	assert.Equal(t, 3, counts[model.OutcomeSuccess])
	assert.Equal(t, 2, counts[model.OutcomeSkipped])

	_, err := os.Stat(archive)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(scratch, "unzip_zip1"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveReuploadIsIdempotentPerSession(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"a.txt": strings.Repeat("alpha ", 400), "b.txt": "beta"}
	idx := newMemIndex()
	store := newMemJobStore()
	p := newTestArchiveProcessor(idx, store, filepath.Join(dir, "scratch"))

	var counts []int
	for i := 0; i < 2; i++ {
		job := &model.IngestionJob{ID: fmt.Sprintf("run%d", i), TenantID: 1, SessionID: "same", SourceName: "kb.zip"}
		require.NoError(t, NewJobTracker(store).Create(job))
		p.Start(context.Background(), job, writeZip(t, dir, files))
		require.Equal(t, model.JobCompleted, job.Status)
		counts = append(counts, idx.count())
	}
	assert.Equal(t, counts[0], counts[1])
}

func TestArchiveTooManyEntriesRejectedBeforeExtraction(t *testing.T) {
	dir := t.TempDir()
	scratch := filepath.Join(dir, "scratch")
	files := make(map[string]string, 501)
	for i := 0; i < 501; i++ {
		files[fmt.Sprintf("f%03d.txt", i)] = "x"
	}
	archive := writeZip(t, dir, files)
	idx := newMemIndex()
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "big", TenantID: 1, SessionID: "s", SourceName: "big.zip"}
	require.NoError(t, NewJobTracker(store).Create(job))

	newTestArchiveProcessor(idx, store, scratch).Start(context.Background(), job, archive)

	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "too many files (501)")
	for _, snap := range store.snapshots() {
		assert.NotEqual(t, model.JobProcessing, snap.Status)
		assert.Equal(t, 0, snap.ItemsProcessed)
	}
	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(archive)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, idx.upserts)
}

func TestArchiveUnreadableFailsJob(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.zip")
	require.NoError(t, os.WriteFile(bad, []byte("not a zip"), 0o644))
	store := newMemJobStore()
	job := &model.IngestionJob{ID: "bad", TenantID: 1, SessionID: "s"}
	require.NoError(t, NewJobTracker(store).Create(job))

	newTestArchiveProcessor(newMemIndex(), store, dir).Start(context.Background(), job, bad)

	assert.Equal(t, model.JobFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "archive unreadable")
}

func TestFileIngesterEmptyAndMissingIndex(t *testing.T) {
	dir := t.TempDir()
	empty := writeFile(t, dir, "empty.txt", "   ")
	idx := newMemIndex()
	ing := NewFileIngester(fakeResolver{idx: idx}, NewExtractorRegistry(nil), NewChunker(1000, 200), nil)

	n, err := ing.Ingest(context.Background(), empty, 1, ChunkMeta{})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	full := writeFile(t, dir, "full.txt", strings.Repeat("x", 2500))
	n, err = ing.Ingest(context.Background(), full, 1, ChunkMeta{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = ing.Ingest(context.Background(), full, 1, ChunkMeta{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, idx.count())

	_, err = NewFileIngester(fakeResolver{err: ErrNoIndexConfigured}, NewExtractorRegistry(nil), NewChunker(1000, 200), nil).
		Ingest(context.Background(), full, 1, ChunkMeta{})
	assert.ErrorIs(t, err, ErrNoIndexConfigured)
}

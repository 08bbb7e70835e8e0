package kafka

import (
	"context"
	"errors"
	"omni-agent-go/pkg/tasks"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type scriptedProcessor struct {
	failures int
	err      error
	calls    int
	gaveUp   []error
}

func (p *scriptedProcessor) Process(_ context.Context, _ tasks.IngestionTask) error {
	p.calls++
	if p.failures < 0 || p.calls <= p.failures {
		return p.err
	}
	return nil
}

func (p *scriptedProcessor) GiveUp(_ context.Context, _ tasks.IngestionTask, cause error) {
	p.gaveUp = append(p.gaveUp, cause)
}

type memCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newMemCounter() *memCounter {
	return &memCounter{counts: map[string]int64{}}
}

func (c *memCounter) Incr(_ context.Context, jobID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counts[jobID]++
	return c.counts[jobID], nil
}

func (c *memCounter) Reset(_ context.Context, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, jobID)
}

var sampleTask = tasks.IngestionTask{JobID: "job-1", TenantID: 1, Kind: "file"}

func TestHandleTaskRetriesUntilSuccess(t *testing.T) {
	p := &scriptedProcessor{failures: 2, err: errors.New("minio unavailable")}
	counter := newMemCounter()

	done := handleTask(context.Background(), p, counter, sampleTask, 0)

	assert.True(t, done)
	assert.Equal(t, 3, p.calls)
	assert.Empty(t, p.gaveUp)
	assert.NotContains(t, counter.counts, sampleTask.JobID)
}

func TestHandleTaskGivesUpAfterMaxAttempts(t *testing.T) {
	cause := errors.New("minio unavailable")
	p := &scriptedProcessor{failures: -1, err: cause}
	counter := newMemCounter()

	done := handleTask(context.Background(), p, counter, sampleTask, 0)

	assert.True(t, done, "放弃后应提交 offset")
	assert.Equal(t, maxAttempts, p.calls)
	if assert.Len(t, p.gaveUp, 1) {
		assert.ErrorIs(t, p.gaveUp[0], cause)
	}
	assert.NotContains(t, counter.counts, sampleTask.JobID)
}

func TestHandleTaskCountsPriorFailures(t *testing.T) {
	p := &scriptedProcessor{failures: -1, err: errors.New("boom")}
	counter := newMemCounter()
	counter.counts[sampleTask.JobID] = maxAttempts - 1

	done := handleTask(context.Background(), p, counter, sampleTask, 0)

	assert.True(t, done)
	assert.Equal(t, 1, p.calls)
	assert.Len(t, p.gaveUp, 1)
}

func TestHandleTaskGivesUpWhenCounterUnavailable(t *testing.T) {
	p := &scriptedProcessor{failures: -1, err: errors.New("boom")}
	counter := newMemCounter()
	counter.err = errors.New("redis down")

	done := handleTask(context.Background(), p, counter, sampleTask, 0)

	assert.True(t, done)
	assert.Equal(t, maxAttempts, p.calls)
	assert.Len(t, p.gaveUp, 1)
}

func TestHandleTaskStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProcessor{failures: -1, err: context.Canceled}

	done := handleTask(ctx, p, newMemCounter(), sampleTask, 0)

	assert.False(t, done, "取消时不应提交 offset")
	assert.Equal(t, 1, p.calls)
	assert.Empty(t, p.gaveUp)
}

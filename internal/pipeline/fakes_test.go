package pipeline

import (
	"context"
	"omni-agent-go/internal/model"
	"sync"
)

// memIndex 是按分块 ID 存储的内存向量索引。
type memIndex struct {
	mu      sync.Mutex
	chunks  map[string]model.Chunk
	upserts int
}

func newMemIndex() *memIndex {
	return &memIndex{chunks: make(map[string]model.Chunk)}
}

func (m *memIndex) Upsert(_ context.Context, chunks []model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	for _, c := range chunks {
		m.chunks[c.ID] = c
	}
	return nil
}

func (m *memIndex) DeleteBySource(_ context.Context, tenantID uint, source string) error {
	return m.deleteWhere(func(c model.Chunk) bool { return c.TenantID == tenantID && c.Source == source })
}

func (m *memIndex) DeleteBySession(_ context.Context, tenantID uint, sessionID string) error {
	return m.deleteWhere(func(c model.Chunk) bool { return c.TenantID == tenantID && c.SessionID == sessionID })
}

func (m *memIndex) deleteWhere(match func(model.Chunk) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chunks {
		if match(c) {
			delete(m.chunks, id)
		}
	}
	return nil
}

func (m *memIndex) SimilaritySearch(_ context.Context, tenantID uint, _ string, k int) ([]model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Chunk
	for _, c := range m.chunks {
		if c.TenantID == tenantID && len(out) < k {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memIndex) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks)
}

type fakeResolver struct {
	idx VectorIndex
	err error
}

func (r fakeResolver) Resolve(context.Context, uint) (VectorIndex, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.idx, nil
}

type stubGate struct {
	unsafe func(text string) bool
}

func (g stubGate) IsUnsafe(_ context.Context, text, _ string) bool {
	if g.unsafe == nil {
		return false
	}
	return g.unsafe(text)
}

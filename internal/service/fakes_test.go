package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"omni-agent-go/internal/model"
	"omni-agent-go/internal/pipeline"
	"omni-agent-go/internal/routing"
	"omni-agent-go/pkg/llm"
	"omni-agent-go/pkg/tasks"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type memIntegrations struct {
	mu     sync.Mutex
	rows   []model.Integration
	nextID uint
}

func (m *memIntegrations) Upsert(in *model.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].TenantID == in.TenantID && m.rows[i].Provider == in.Provider {
			in.ID = m.rows[i].ID
			m.rows[i] = *in
			return nil
		}
	}
	m.nextID++
	in.ID = m.nextID
	m.rows = append(m.rows, *in)
	return nil
}

func (m *memIntegrations) FindByTenant(tenantID uint) ([]model.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Integration
	for _, r := range m.rows {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memIntegrations) FindByProvider(tenantID uint, provider model.BackendKind) (*model.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.Provider == provider {
			r := r
			return &r, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memIntegrations) UpdateProfile(id uint, schemaMap []byte, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].SchemaMap = schemaMap
			m.rows[i].Description = description
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func addIntegration(t *testing.T, repo *memIntegrations, tenantID uint, cred model.Credential, description string) {
	t.Helper()
	raw, err := json.Marshal(cred)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(&model.Integration{
		TenantID:    tenantID,
		Provider:    cred.Kind(),
		Credentials: raw,
		Description: description,
		IsActive:    true,
	}))
}

type memHistory struct {
	mu   sync.Mutex
	rows []model.ChatHistory
}

func (m *memHistory) Create(entry *model.ChatHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = uint(len(m.rows) + 1)
	m.rows = append(m.rows, *entry)
	return nil
}

func (m *memHistory) FindRecent(tenantID uint, sessionID string, limit int) ([]model.ChatHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ChatHistory
	for _, r := range m.rows {
		if r.TenantID == tenantID && r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type memSessions struct {
	mu      sync.Mutex
	current map[uint]string
	err     error
}

func (m *memSessions) GetOrCreateSessionID(_ context.Context, tenantID uint) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.current == nil {
		m.current = map[uint]string{}
	}
	if _, ok := m.current[tenantID]; !ok {
		m.current[tenantID] = "session-auto"
	}
	return m.current[tenantID], nil
}

func (m *memSessions) SetSessionID(_ context.Context, tenantID uint, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		m.current = map[uint]string{}
	}
	m.current[tenantID] = sessionID
	return m.err
}

// scriptedLLM 按顺序返回预设回答，并记录每次调用的消息。
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llm.Message
}

func (s *scriptedLLM) next(messages []llm.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, messages)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *scriptedLLM) Generate(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (string, error) {
	return s.next(messages)
}

func (s *scriptedLLM) StreamChatMessages(_ context.Context, messages []llm.Message, _ *llm.GenerationParams, onDelta func(string) error) error {
	reply, err := s.next(messages)
	if err != nil {
		return err
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := onDelta(word); err != nil {
			return err
		}
	}
	return nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedLLM) lastSystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return ""
	}
	return s.calls[len(s.calls)-1][0].Content
}

type stubRouter struct {
	decision   routing.Decision
	err        error
	candidates []map[string]string
}

func (r *stubRouter) Route(_ context.Context, query string, candidates map[string]string) (routing.Decision, error) {
	r.candidates = append(r.candidates, candidates)
	d := r.decision
	d.Query = query
	return d, r.err
}

type stubAgent struct {
	answer string
	err    error
	panics bool
}

func (a *stubAgent) Answer(context.Context, string) (string, error) {
	if a.panics {
		panic("driver exploded")
	}
	return a.answer, a.err
}

func agentFactory(agent BackendAgent, released *int) AgentFactory {
	return func(context.Context, model.Backend, llm.Client) (BackendAgent, func(), error) {
		return agent, func() {
			if released != nil {
				*released++
			}
		}, nil
	}
}

type searchIndex struct {
	chunks []model.Chunk
}

func (i *searchIndex) Upsert(context.Context, []model.Chunk) error { return nil }
func (i *searchIndex) DeleteBySource(context.Context, uint, string) error { return nil }
func (i *searchIndex) DeleteBySession(context.Context, uint, string) error { return nil }
func (i *searchIndex) SimilaritySearch(_ context.Context, tenantID uint, _ string, k int) ([]model.Chunk, error) {
	var out []model.Chunk
	for _, c := range i.chunks {
		if c.TenantID == tenantID && len(out) < k {
			out = append(out, c)
		}
	}
	return out, nil
}

type stubResolver struct {
	idx pipeline.VectorIndex
	err error
}

func (r stubResolver) Resolve(context.Context, uint) (pipeline.VectorIndex, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.idx, nil
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]model.IngestionJob
	seq  []string
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]model.IngestionJob{}}
}

func (m *memJobs) Create(job *model.IngestionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	m.seq = append(m.seq, job.ID)
	return nil
}

func (m *memJobs) FindByID(id string) (*model.IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &job, nil
}

func (m *memJobs) FindByTenant(tenantID uint, limit int) ([]model.IngestionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.IngestionJob
	for i := len(m.seq) - 1; i >= 0 && len(out) < limit; i-- {
		if job := m.jobs[m.seq[i]]; job.TenantID == tenantID {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *memJobs) Save(job *model.IngestionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

type memUploader struct {
	objects map[string][]byte
	err     error
}

func (u *memUploader) Put(_ context.Context, objectName string, r io.Reader, _ int64, _ string) error {
	if u.err != nil {
		return u.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	if u.objects == nil {
		u.objects = map[string][]byte{}
	}
	u.objects[objectName] = buf.Bytes()
	return nil
}

type recordingDispatcher struct {
	tasks []tasks.IngestionTask
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, task tasks.IngestionTask) error {
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

type memTenants struct {
	mu   sync.Mutex
	rows map[uint]*model.Tenant
}

func newMemTenants() *memTenants {
	return &memTenants{rows: map[uint]*model.Tenant{}}
}

func (m *memTenants) Create(tenant *model.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tenant.ID = uint(len(m.rows) + 1)
	cp := *tenant
	m.rows[tenant.ID] = &cp
	return nil
}

func (m *memTenants) find(match func(*model.Tenant) bool) (*model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		if t := m.rows[uint(id)]; match(t) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memTenants) FindByUsername(username string) (*model.Tenant, error) {
	return m.find(func(t *model.Tenant) bool { return t.Username == username })
}

func (m *memTenants) FindByID(id uint) (*model.Tenant, error) {
	return m.find(func(t *model.Tenant) bool { return t.ID == id })
}

func (m *memTenants) FindByAPIKey(apiKey string) (*model.Tenant, error) {
	return m.find(func(t *model.Tenant) bool { return t.APIKey == apiKey })
}

func (m *memTenants) Update(tenant *model.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[tenant.ID]; !ok {
		return errors.New("no such tenant")
	}
	cp := *tenant
	m.rows[tenant.ID] = &cp
	return nil
}

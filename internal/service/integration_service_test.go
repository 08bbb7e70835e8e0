package service

import (
	"context"
	"encoding/json"
	"errors"
	"omni-agent-go/internal/model"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDiscoverer struct {
	schema map[string]interface{}
	err    error
	calls  int
}

func (d *fakeDiscoverer) discover(context.Context, model.Credential) (map[string]interface{}, error) {
	d.calls++
	return d.schema, d.err
}

func newIntegrationFixture(discoverer *fakeDiscoverer, profiler *scriptedLLM) (IntegrationService, *memIntegrations, *memTenants) {
	integrations := &memIntegrations{}
	tenants := newMemTenants()
	p := NewProfiler(nil)
	if profiler != nil {
		p = NewProfiler(profiler)
	}
	return NewIntegrationService(integrations, tenants, discoverer.discover, p), integrations, tenants
}

func TestSaveProfilesRelationalBackend(t *testing.T) {
	d := &fakeDiscoverer{schema: map[string]interface{}{"invoices": []string{"id", "total", "due_date"}}}
	profiler := &scriptedLLM{replies: []string{"Description: invoices with totals and due dates."}}
	svc, repo, _ := newIntegrationFixture(d, profiler)

	view, err := svc.Save(context.Background(), 1, SaveIntegrationRequest{
		Provider:    model.KindRelational,
		Credentials: json.RawMessage(`{"dsn":"root:pw@tcp(db)/shop"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "invoices with totals and due dates.", view.Description)
	assert.True(t, view.IsActive)

	prompt := profiler.calls[0][0].Content
	assert.Contains(t, prompt, "SQL Database")
	assert.Contains(t, prompt, "due_date")

	stored, err := repo.FindByProvider(1, model.KindRelational)
	require.NoError(t, err)
	assert.Contains(t, string(stored.SchemaMap), "invoices")
	assert.JSONEq(t, `{"dsn":"root:pw@tcp(db)/shop"}`, string(stored.Credentials))
}

func TestSaveReplacesCredentialOfSameKind(t *testing.T) {
	d := &fakeDiscoverer{schema: map[string]interface{}{"orders": []string{"id"}}}
	svc, repo, _ := newIntegrationFixture(d, &scriptedLLM{replies: []string{"orders data", "orders data v2"}})

	for _, dsn := range []string{"a@tcp(db)/one", "b@tcp(db)/two"} {
		_, err := svc.Save(context.Background(), 1, SaveIntegrationRequest{
			Provider:    model.KindRelational,
			Credentials: json.RawMessage(`{"dsn":"` + dsn + `"}`),
		})
		require.NoError(t, err)
	}
	rows, err := repo.FindByTenant(1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, string(rows[0].Credentials), "two")
	assert.Equal(t, "orders data v2", rows[0].Description)
}

func TestSaveKeepsProfileWhenDiscoveryFails(t *testing.T) {
	d := &fakeDiscoverer{schema: map[string]interface{}{"posts": []string{"title"}}}
	svc, repo, _ := newIntegrationFixture(d, &scriptedLLM{replies: []string{"blog posts with titles"}})

	req := SaveIntegrationRequest{
		Provider:    model.KindCMS,
		Credentials: json.RawMessage(`{"project_id":"p1","dataset":"production"}`),
	}
	_, err := svc.Save(context.Background(), 1, req)
	require.NoError(t, err)

	d.err = errors.New("dial timeout")
	view, err := svc.Save(context.Background(), 1, req)
	require.NoError(t, err)
	assert.Equal(t, "blog posts with titles", view.Description)

	stored, err := repo.FindByProvider(1, model.KindCMS)
	require.NoError(t, err)
	assert.Contains(t, string(stored.SchemaMap), "posts")
}

func TestSaveVectorAndLLMSkipDiscovery(t *testing.T) {
	d := &fakeDiscoverer{}
	svc, _, _ := newIntegrationFixture(d, nil)

	view, err := svc.Save(context.Background(), 1, SaveIntegrationRequest{
		Provider:    model.KindVector,
		Credentials: json.RawMessage(`{"index_name":"kb_acme"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, vectorDescription, view.Description)

	view, err = svc.Save(context.Background(), 1, SaveIntegrationRequest{
		Provider:    model.KindLLM,
		Credentials: json.RawMessage(`{"base_url":"http://llm","api_key":"sk-secret","model":"m"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, view.Description)
	assert.Equal(t, 0, d.calls)

	views, err := svc.List(1)
	require.NoError(t, err)
	require.Len(t, views, 2)
	out, err := json.Marshal(views)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-secret")
}

func TestSaveRejectsInvalidCredential(t *testing.T) {
	svc, repo, _ := newIntegrationFixture(&fakeDiscoverer{}, nil)

	_, err := svc.Save(context.Background(), 1, SaveIntegrationRequest{Provider: model.KindDocument, Credentials: json.RawMessage(`{"uri":"mongodb://x"}`)})
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = svc.Save(context.Background(), 1, SaveIntegrationRequest{Provider: "qdrant", Credentials: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidCredential)

	rows, err := repo.FindByTenant(1)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRefreshRegeneratesProfile(t *testing.T) {
	d := &fakeDiscoverer{schema: map[string]interface{}{"tickets": []string{"id"}}}
	svc, repo, _ := newIntegrationFixture(d, &scriptedLLM{replies: []string{"support tickets", "support tickets and agents"}})

	_, err := svc.Refresh(context.Background(), 1, model.KindDocument)
	assert.ErrorIs(t, err, ErrIntegrationNotFound)

	_, err = svc.Save(context.Background(), 1, SaveIntegrationRequest{
		Provider:    model.KindDocument,
		Credentials: json.RawMessage(`{"uri":"mongodb://x","database":"help"}`),
	})
	require.NoError(t, err)

	d.schema = map[string]interface{}{"tickets": []string{"id"}, "agents": []string{"name"}}
	view, err := svc.Refresh(context.Background(), 1, model.KindDocument)
	require.NoError(t, err)
	assert.Equal(t, "support tickets and agents", view.Description)

	stored, err := repo.FindByProvider(1, model.KindDocument)
	require.NoError(t, err)
	assert.Equal(t, "support tickets and agents", stored.Description)
	assert.Contains(t, string(stored.SchemaMap), "agents")
}

func TestProfilerFallbacks(t *testing.T) {
	schema := map[string]interface{}{"invoices": []string{"id"}}

	assert.Equal(t, "Contains data from SQL Database.", NewProfiler(nil).Describe(context.Background(), model.KindRelational, schema))
	assert.Equal(t, "Connected to Sanity CMS.", NewProfiler(nil).Describe(context.Background(), model.KindCMS, nil))

	failing := &scriptedLLM{err: errors.New("quota")}
	assert.Equal(t, "Contains data from MongoDB NoSQL.", NewProfiler(failing).Describe(context.Background(), model.KindDocument, schema))
}

func TestProfilerTruncatesSchema(t *testing.T) {
	cols := make([]string, 2000)
	for i := range cols {
		cols[i] = "column_name"
	}
	client := &scriptedLLM{replies: []string{"wide table"}}
	NewProfiler(client).Describe(context.Background(), model.KindRelational, map[string]interface{}{"wide": cols})

	prompt := client.calls[0][0].Content
	assert.LessOrEqual(t, len(prompt), len(profilePrompt)+len("SQL Database")+maxSchemaPromptLen)
	assert.True(t, strings.Contains(prompt, `{"wide":["column_name"`))
}

func TestUpdatePersona(t *testing.T) {
	svc, _, tenants := newIntegrationFixture(&fakeDiscoverer{}, nil)
	require.NoError(t, tenants.Create(&model.Tenant{Username: "acme"}))

	_, err := svc.UpdatePersona(1, "  ", "x")
	assert.ErrorIs(t, err, ErrInvalidPersona)
	_, err = svc.UpdatePersona(99, "Ava", "x")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	updated, err := svc.UpdatePersona(1, " Ava ", "Only answer billing questions.")
	require.NoError(t, err)
	assert.Equal(t, "Ava", updated.BotName)

	stored, err := tenants.FindByID(1)
	require.NoError(t, err)
	assert.Equal(t, "Only answer billing questions.", stored.BotInstruction)
}

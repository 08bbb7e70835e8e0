package embedding

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"omni-agent-go/internal/config"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lenEmbedder struct{ fail string }

func (e lenEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	if text == e.fail {
		return nil, errors.New("boom")
	}
	return []float32{float32(len(text))}, nil
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	texts := []string{"a", "bbb", "cc", "dddd", "eeeee", "f"}
	vecs, err := EmbedBatch(context.Background(), lenEmbedder{}, texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vecs[i][0])
	}
}

func TestEmbedBatchError(t *testing.T) {
	_, err := EmbedBatch(context.Background(), lenEmbedder{fail: "cc"}, []string{"a", "cc"})
	assert.Error(t, err)
}

func TestCreateEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingConfig{BaseURL: srv.URL, Model: "m"})
	vec, err := c.CreateEmbedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

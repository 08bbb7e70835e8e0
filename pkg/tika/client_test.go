package tika

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"omni-agent-go/internal/config"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractText(t *testing.T) {
	var gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte("\n  Refund policy: 30 days.\n\n"))
	}))
	defer srv.Close()

	c := NewClient(config.TikaConfig{ServerURL: srv.URL + "/", Timeout: time.Second})
	text, err := c.ExtractText(context.Background(), strings.NewReader("docx-bytes"), "Policy.DOCX")
	require.NoError(t, err)
	assert.Equal(t, "Refund policy: 30 days.", text)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", gotType)
	assert.Equal(t, "docx-bytes", gotBody)
}

func TestExtractTextErrors(t *testing.T) {
	_, err := NewClient(config.TikaConfig{}).ExtractText(context.Background(), strings.NewReader("x"), "a.docx")
	assert.ErrorIs(t, err, ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()
	_, err = NewClient(config.TikaConfig{ServerURL: srv.URL}).ExtractText(context.Background(), strings.NewReader("x"), "a.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "application/octet-stream", detectMimeType("README"))
	assert.Equal(t, "application/msword", detectMimeType("old.doc"))
}

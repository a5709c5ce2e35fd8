package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdev/engram/internal/engramerr"
)

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3, 0.4}}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "test-model", 4, time.Second)
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, vec)
}

func TestOllamaEmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2}}})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "test-model", 4, time.Second)
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, engramerr.CodeIntegrity, engramerr.CodeOf(err))
}

func TestOllamaEmbedServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "test-model", 4, time.Second)
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, engramerr.IsTransient(err))
}

func TestOllamaEmbedUnreachableIsTransient(t *testing.T) {
	c := NewOllamaClient("http://127.0.0.1:1", "test-model", 4, 200*time.Millisecond)
	_, err := c.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, engramerr.IsTransient(err))
}

func TestOllamaReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": "test-model:latest"}},
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, "test-model", 4, time.Second)
	assert.NoError(t, c.Ready(context.Background()))

	missing := NewOllamaClient(srv.URL, "other-model", 4, time.Second)
	err := missing.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ollama pull other-model")
}

func TestMockProviderDeterministic(t *testing.T) {
	m := NewMockProvider(8)
	a, err := m.Embed(context.Background(), "same text")
	require.NoError(t, err)
	b, err := m.Embed(context.Background(), "same text")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, int64(2), m.Calls.Load())
}

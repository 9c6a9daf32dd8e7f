package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/poiesic/handbook/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Auth string
	Body struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Stream    bool   `json:"stream"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
}

// sseServer replies to /chat/completions with one SSE frame per delta.
func sseServer(t *testing.T, deltas []string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		captured.Auth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured.Body))

		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range deltas {
			frame := map[string]any{
				"id":      fmt.Sprintf("chunk-%d", i),
				"object":  "chat.completion.chunk",
				"created": 1700000000,
				"model":   captured.Body.Model,
				"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": d}}},
			}
			b, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Model = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxTokens = 0
	assert.Error(t, cfg.Validate())
}

func TestLoad_RequiresAPIKey(t *testing.T) {
	b, err := NewBackend(nil)
	require.NoError(t, err)
	assert.Equal(t, "remote", b.Name())
	assert.ErrorIs(t, b.Load(context.Background()), ErrMissingAPIKey)

	_, err = b.Generate(context.Background(), "q")
	assert.ErrorIs(t, err, llm.ErrNotLoaded)
}

func TestGenerate_StreamsDeltas(t *testing.T) {
	var captured capturedRequest
	srv := sseServer(t, []string{"You get ", "", "20 days."}, &captured)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/v1"
	cfg.APIKey = "sk-test"
	b, err := NewBackend(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Load(context.Background()))
	require.NoError(t, b.Load(context.Background()))

	stream, err := b.Generate(context.Background(), "grounded prompt")
	require.NoError(t, err)
	text, err := llm.Collect(context.Background(), stream)
	require.NoError(t, err)

	assert.Equal(t, "You get 20 days.", text)
	assert.Equal(t, "Bearer sk-test", captured.Auth)
	assert.Equal(t, "qwen-max", captured.Body.Model)
	assert.Equal(t, 2048, captured.Body.MaxTokens)
	assert.True(t, captured.Body.Stream)
	require.Len(t, captured.Body.Messages, 1)
	assert.Equal(t, "user", captured.Body.Messages[0].Role)
	assert.Equal(t, "grounded prompt", captured.Body.Messages[0].Content)
}

func TestGenerate_APIErrorBecomesErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "bad"
	b, err := NewBackend(cfg)
	require.NoError(t, err)
	require.NoError(t, b.Load(context.Background()))

	stream, err := b.Generate(context.Background(), "q")
	require.NoError(t, err)
	_, err = llm.Collect(context.Background(), stream)
	assert.ErrorIs(t, err, llm.ErrGenerationFailed)
}

package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/messages")

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "claude-haiku-4-5-20251001", req["model"])
		assert.NotNil(t, req["system"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":   "msg_001",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": `{"value": "ceo@acme.com", `},
				{"type": "text", "text": `"confidence": 0.9}`},
			},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 120, "output_tokens": 12},
		})
	}))
	defer ts.Close()

	c := NewClient("test-key", WithBaseURL(ts.URL))
	resp, err := c.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 256,
		System:    "fill one cell",
		Messages:  []Message{{Role: "user", Content: "find the email"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_001", resp.ID)
	assert.Equal(t, `{"value": "ceo@acme.com", "confidence": 0.9}`, resp.Text())
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, int64(12), resp.Usage.OutputTokens)
}

func TestCreateMessage_StatusError(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, http.StatusBadRequest, http.StatusInternalServerError} {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`)) //nolint:errcheck
		}))

		c := NewClient("test-key", WithBaseURL(ts.URL))
		_, err := c.CreateMessage(context.Background(), MessageRequest{
			Model:     "claude-haiku-4-5-20251001",
			MaxTokens: 16,
			Messages:  []Message{{Role: "user", Content: "hi"}},
		})
		ts.Close()

		require.Error(t, err)
		var se *StatusError
		require.True(t, errors.As(err, &se), "status %d", code)
		assert.Equal(t, code, se.HTTPStatus())
	}
}

func TestCreateMessage_RetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "15")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	c := NewClient("test-key", WithBaseURL(ts.URL))
	_, err := c.CreateMessage(context.Background(), MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "hi"}},
	})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 15*time.Second, se.RetryDelay())
}

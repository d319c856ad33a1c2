package perplexity

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

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantErr    string
		wantStatus int
		wantID     string
		wantCites  int
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "cmpl-123",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "Jane Doe"}}],
				"citations": ["https://acme.com/about"],
				"search_results": [{"title": "About Acme", "url": "https://acme.com/about"}],
				"usage": {"prompt_tokens": 10, "completion_tokens": 5}
			}`,
			wantID:    "cmpl-123",
			wantCites: 1,
		},
		{
			name:       "rate_limit",
			status:     http.StatusTooManyRequests,
			body:       `{"error": "rate limit exceeded"}`,
			wantErr:    "unexpected status 429",
			wantStatus: http.StatusTooManyRequests,
		},
		{
			name:       "server_error",
			status:     http.StatusInternalServerError,
			body:       `{"error": "internal server error"}`,
			wantErr:    "unexpected status 500",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				raw, _ := io.ReadAll(r.Body)
				var req ChatCompletionRequest
				require.NoError(t, json.Unmarshal(raw, &req))
				assert.Equal(t, "sonar", req.Model)

				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body)) //nolint:errcheck
			}))
			defer srv.Close()

			c := NewClient("test-key", WithBaseURL(srv.URL), WithModel("sonar"))
			resp, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{
				Messages: []Message{{Role: "user", Content: "who runs acme"}},
			})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				if tt.wantStatus != 0 {
					var se *StatusError
					require.True(t, errors.As(err, &se))
					assert.Equal(t, tt.wantStatus, se.HTTPStatus())
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, resp.ID)
			assert.Equal(t, "Jane Doe", resp.Content())
			assert.Len(t, resp.Citations, tt.wantCites)
			require.Len(t, resp.SearchResults, 1)
			assert.Equal(t, "About Acme", resp.SearchResults[0].Title)
		})
	}
}

func TestChatCompletion_SearchFiltersAndRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sonar-pro", req.Model)
		assert.Equal(t, []string{"acme.com"}, req.SearchDomainFilter)
		assert.Equal(t, "month", req.SearchRecencyFilter)

		w.Header().Set("Retry-After", "20")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages:            []Message{{Role: "user", Content: "q"}},
		SearchDomainFilter:  []string{"acme.com"},
		SearchRecencyFilter: "month",
	})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 20*time.Second, se.RetryDelay())
}

func TestChatCompletion_NoMessages(t *testing.T) {
	c := NewClient("k", WithBaseURL("http://127.0.0.1:1"))
	_, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no messages")
}

func TestContent_NoChoices(t *testing.T) {
	assert.Empty(t, (&ChatCompletionResponse{}).Content())
}

package jina

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "/acme corp ceo", r.URL.Path)
		assert.Equal(t, "acme.com", r.URL.Query().Get("site"))
		w.Write([]byte(`{"code":200,"data":[{"title":"Acme","url":"https://acme.com/team","content":"Jane Doe, CEO","usage":{"tokens":40}}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("test-key", WithSearchBaseURL(srv.URL), WithRateLimit(100))
	resp, err := c.Search(context.Background(), "acme corp ceo", WithSiteFilter("acme.com"))
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "https://acme.com/team", resp.Data[0].URL)
	assert.Equal(t, 40, resp.Data[0].Usage.Tokens)
}

func TestSearch_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient("k", WithSearchBaseURL(srv.URL))
	resp, err := c.Search(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
}

func TestSearch_StatusError(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"rate_limit", http.StatusTooManyRequests},
		{"server_error", http.StatusBadGateway},
		{"unauthorized", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("nope")) //nolint:errcheck
			}))
			defer srv.Close()

			c := NewClient("k", WithSearchBaseURL(srv.URL))
			_, err := c.Search(context.Background(), "q")
			require.Error(t, err)
			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.HTTPStatus())
		})
	}
}

func TestSearch_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{invalid`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("k", WithSearchBaseURL(srv.URL))
	_, err := c.Search(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestSearch_ContextCancelled(t *testing.T) {
	c := NewClient("k", WithSearchBaseURL("http://127.0.0.1:1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Search(ctx, "q")
	require.Error(t, err)
}

func TestSearch_OptionsAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "no-content", r.Header.Get("X-Respond-With"))
		assert.Equal(t, "us", r.URL.Query().Get("gl"))
		assert.Empty(t, r.URL.Query().Get("site"))
		w.Write([]byte(`{"code":200,"data":[{"url":"https://a.example","usage":{"tokens":3}},{"url":"https://b.example","usage":{"tokens":4}}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient("k", WithSearchBaseURL(srv.URL), WithRateLimit(100))
	resp, err := c.Search(context.Background(), "acme", WithCountry("us"), WithoutContent())
	require.NoError(t, err)
	assert.Equal(t, 7, resp.Tokens())
}

func TestSearch_EmptyQuery(t *testing.T) {
	_, err := NewClient("k").Search(context.Background(), "")
	require.Error(t, err)
}

func TestSearch_RetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient("k", WithSearchBaseURL(srv.URL)).Search(context.Background(), "q")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2*time.Second, se.RetryDelay())
}

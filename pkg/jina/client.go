// Package jina provides a client for the Jina AI search endpoint (s.jina.ai).
package jina

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/websets/pkg/httperr"
)

const (
	defaultSearchBaseURL = "https://s.jina.ai"
	defaultRPS           = 5
	service              = "jina"
)

// Client defines the Jina search operations.
type Client interface {
	// Search performs a web search and returns the top results.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// SearchResponse is the parsed search response. An empty Data with Code 422
// means the query had no results.
type SearchResponse struct {
	Code int            `json:"code"`
	Data []SearchResult `json:"data"`
}

// Tokens sums the token usage of every result.
func (r *SearchResponse) Tokens() int {
	n := 0
	for _, d := range r.Data {
		n += d.Usage.Tokens
	}
	return n
}

// SearchResult is a single search hit.
type SearchResult struct {
	Title       string      `json:"title"`
	URL         string      `json:"url"`
	Content     string      `json:"content"`
	Description string      `json:"description"`
	Usage       SearchUsage `json:"usage"`
}

// SearchUsage is the token consumption of one result.
type SearchUsage struct {
	Tokens int `json:"tokens"`
}

// StatusError is returned when the API answers with an unexpected status.
type StatusError = httperr.StatusError

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	site        string
	country     string
	withoutBody bool
}

// WithSiteFilter restricts search results to a specific domain.
func WithSiteFilter(domain string) SearchOption {
	return func(o *searchOpts) { o.site = domain }
}

// WithCountry biases results toward a two-letter country code.
func WithCountry(code string) SearchOption {
	return func(o *searchOpts) { o.country = code }
}

// WithoutContent asks for titles, URLs and descriptions only, which is far
// cheaper in tokens than full page content.
func WithoutContent() SearchOption {
	return func(o *searchOpts) { o.withoutBody = true }
}

// Option configures the Jina client.
type Option func(*httpClient)

// WithSearchBaseURL sets a custom search base URL.
func WithSearchBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit paces outgoing requests to rps requests per second.
// Non-positive values keep the default pace.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new Jina search client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultSearchBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(defaultRPS, defaultRPS),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	if query == "" {
		return nil, eris.New("jina: empty search query")
	}
	so := searchOpts{}
	for _, opt := range opts {
		opt(&so)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "jina: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL(query, so), nil)
	if err != nil {
		return nil, eris.Wrap(err, "jina: create search request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if so.withoutBody {
		req.Header.Set("X-Respond-With", "no-content")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "jina: search request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "jina: read search response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnprocessableEntity:
		return &SearchResponse{Code: http.StatusUnprocessableEntity}, nil
	default:
		return nil, httperr.FromResponse(service, resp, body)
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "jina: unmarshal search response")
	}
	return &result, nil
}

func (c *httpClient) searchURL(query string, so searchOpts) string {
	u := c.baseURL + "/" + url.PathEscape(query)
	q := url.Values{}
	if so.site != "" {
		q.Set("site", so.site)
	}
	if so.country != "" {
		q.Set("gl", so.country)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}


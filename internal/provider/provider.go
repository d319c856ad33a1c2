// Package provider is the uniform gateway over external LLM and search
// services. Each provider record carries a type tag that selects the Client
// implementation handling it.
package provider

import (
	"context"

	"github.com/sells-group/websets/internal/model"
)

// Request is one call to a provider. For search providers Prompt is the
// query; for LLM providers it is the user message.
type Request struct {
	Kind       model.ProviderKind
	System     string
	Prompt     string
	MaxTokens  int64
	MaxResults int
}

// Source is a piece of source material returned by a provider. Sources become
// citation candidates on the cell written from the response.
type Source struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Usage reports the tokens consumed by a call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Response is the normalized result of a provider call.
type Response struct {
	ProviderID string   `json:"provider_id"`
	Content    string   `json:"content"`
	Sources    []Source `json:"sources,omitempty"`
	Usage      Usage    `json:"usage"`
	CostUSD    float64  `json:"cost_usd"`
}

// Client is implemented once per provider type.
type Client interface {
	Call(ctx context.Context, p model.Provider, req Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, p model.Provider, req Request) (*Response, error)

// Call implements Client.
func (f ClientFunc) Call(ctx context.Context, p model.Provider, req Request) (*Response, error) {
	return f(ctx, p, req)
}

// Supports reports whether a provider type can serve a kind.
func Supports(t model.ProviderType, k model.ProviderKind) bool {
	switch t {
	case model.ProviderAnthropic:
		return k == model.ProviderLLM
	case model.ProviderJina:
		return k == model.ProviderSearch
	case model.ProviderPerplexity:
		return k == model.ProviderLLM || k == model.ProviderSearch
	}
	return false
}

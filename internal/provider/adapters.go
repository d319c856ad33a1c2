package provider

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/websets/internal/cost"
	"github.com/sells-group/websets/internal/model"
	"github.com/sells-group/websets/pkg/anthropic"
	"github.com/sells-group/websets/pkg/jina"
	"github.com/sells-group/websets/pkg/perplexity"
)

const (
	defaultMaxTokens  = 1024
	defaultMaxResults = 5
	maxSnippetLen     = 500
)

var errEmptyContent = eris.New("provider: empty response content")

// AnthropicAdapter serves llm providers of type anthropic.
type AnthropicAdapter struct {
	client       anthropic.Client
	calc         *cost.Calculator
	defaultModel string
}

// NewAnthropicAdapter wraps an Anthropic client. defaultModel applies to
// providers without a model.
func NewAnthropicAdapter(client anthropic.Client, calc *cost.Calculator, defaultModel string) *AnthropicAdapter {
	return &AnthropicAdapter{client: client, calc: calc, defaultModel: defaultModel}
}

// Call implements Client.
func (a *AnthropicAdapter) Call(ctx context.Context, p model.Provider, req Request) (*Response, error) {
	if req.Kind != model.ProviderLLM {
		return nil, Permanentf(p.ID, "anthropic does not serve %s requests", req.Kind)
	}
	modelName := p.Model
	if modelName == "" {
		modelName = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     modelName,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []anthropic.Message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, &Error{ProviderID: p.ID, Class: Permanent, Err: errEmptyContent}
	}

	return &Response{
		Content: text,
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		CostUSD: a.calc.Claude(modelName, resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}, nil
}

// PerplexityAdapter serves llm and search providers of type perplexity. Its
// search results and citations become sources.
type PerplexityAdapter struct {
	client perplexity.Client
	calc   *cost.Calculator
}

// NewPerplexityAdapter wraps a Perplexity client.
func NewPerplexityAdapter(client perplexity.Client, calc *cost.Calculator) *PerplexityAdapter {
	return &PerplexityAdapter{client: client, calc: calc}
}

// Call implements Client.
func (a *PerplexityAdapter) Call(ctx context.Context, p model.Provider, req Request) (*Response, error) {
	var msgs []perplexity.Message
	if req.System != "" {
		msgs = append(msgs, perplexity.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, perplexity.Message{Role: "user", Content: req.Prompt})

	creq := perplexity.ChatCompletionRequest{Model: p.Model, Messages: msgs}
	creq.SearchDomainFilter = stringList(p.Config["domains"])
	if recency, ok := p.Config["recency"].(string); ok {
		creq.SearchRecencyFilter = recency
	}
	if req.MaxTokens > 0 {
		n := int(req.MaxTokens)
		creq.MaxTokens = &n
	}

	resp, err := a.client.ChatCompletion(ctx, creq)
	if err != nil {
		return nil, err
	}

	sources := perplexitySources(resp, p.ID, req.MaxResults)
	content := strings.TrimSpace(resp.Content())
	if req.Kind == model.ProviderLLM && content == "" {
		return nil, &Error{ProviderID: p.ID, Class: Permanent, Err: errEmptyContent}
	}

	return &Response{
		Content: content,
		Sources: sources,
		Usage: Usage{
			InputTokens:  int64(resp.Usage.PromptTokens),
			OutputTokens: int64(resp.Usage.CompletionTokens),
		},
		CostUSD: a.calc.Perplexity(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}, nil
}

func perplexitySources(resp *perplexity.ChatCompletionResponse, providerID string, limit int) []Source {
	seen := make(map[string]bool)
	var sources []Source
	for _, r := range resp.SearchResults {
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		sources = append(sources, Source{URL: r.URL, Title: r.Title, Snippet: truncate(r.Snippet), Provider: providerID})
	}
	for _, u := range resp.Citations {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		sources = append(sources, Source{URL: u, Provider: providerID})
	}
	if limit > 0 && len(sources) > limit {
		sources = sources[:limit]
	}
	return sources
}

// stringList reads a provider config value decoded from YAML or JSON as a
// list of strings. A single string becomes a one-element list.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []string:
		return t
	case []any:
		var out []string
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// JinaAdapter serves search providers of type jina.
type JinaAdapter struct {
	client jina.Client
	calc   *cost.Calculator
}

// NewJinaAdapter wraps a Jina search client.
func NewJinaAdapter(client jina.Client, calc *cost.Calculator) *JinaAdapter {
	return &JinaAdapter{client: client, calc: calc}
}

// Call implements Client.
func (a *JinaAdapter) Call(ctx context.Context, p model.Provider, req Request) (*Response, error) {
	if req.Kind != model.ProviderSearch {
		return nil, Permanentf(p.ID, "jina does not serve %s requests", req.Kind)
	}
	var opts []jina.SearchOption
	if site, ok := p.Config["site"].(string); ok && site != "" {
		opts = append(opts, jina.WithSiteFilter(site))
	}
	if country, ok := p.Config["country"].(string); ok && country != "" {
		opts = append(opts, jina.WithCountry(country))
	}
	if brief, _ := p.Config["snippets_only"].(bool); brief {
		opts = append(opts, jina.WithoutContent())
	}

	resp, err := a.client.Search(ctx, req.Prompt, opts...)
	if err != nil {
		return nil, err
	}

	limit := req.MaxResults
	if limit <= 0 {
		limit = defaultMaxResults
	}
	var sources []Source
	for _, r := range resp.Data {
		if r.URL == "" || len(sources) >= limit {
			continue
		}
		snippet := r.Description
		if snippet == "" {
			snippet = r.Content
		}
		sources = append(sources, Source{URL: r.URL, Title: r.Title, Snippet: truncate(snippet), Provider: p.ID})
	}

	tokens := resp.Tokens()
	return &Response{
		Sources: sources,
		Usage:   Usage{InputTokens: int64(tokens)},
		CostUSD: a.calc.Jina(tokens),
	}, nil
}

// Permanentf builds a Permanent error for a provider.
func Permanentf(providerID, format string, args ...any) *Error {
	return &Error{ProviderID: providerID, Class: Permanent, Err: eris.Errorf(format, args...)}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxSnippetLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxSnippetLen], "")
}

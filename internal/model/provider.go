package model

// ProviderKind is the capability a provider offers.
type ProviderKind string

const (
	ProviderLLM    ProviderKind = "llm"
	ProviderSearch ProviderKind = "search"
)

// ProviderType is the vendor tag used to dispatch to a client implementation.
type ProviderType string

const (
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderPerplexity ProviderType = "perplexity"
	ProviderJina       ProviderType = "jina"
)

// Provider is a configured external LLM or search service.
type Provider struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Kind       ProviderKind   `json:"kind" yaml:"kind"`
	Type       ProviderType   `json:"type" yaml:"type"`
	Model      string         `json:"model,omitempty" yaml:"model"`
	Endpoint   string         `json:"endpoint,omitempty" yaml:"endpoint"`
	IsActive   bool           `json:"is_active" yaml:"is_active"`
	RateLimit  int            `json:"rate_limit,omitempty" yaml:"rate_limit"`   // requests per minute
	DailyLimit int            `json:"daily_limit,omitempty" yaml:"daily_limit"` // requests per 24h
	Config     map[string]any `json:"config,omitempty" yaml:"config"`
}

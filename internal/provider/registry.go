package provider

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/websets/internal/model"
)

// Registry holds the configured providers in priority order.
type Registry struct {
	providers []model.Provider
	byID      map[string]int
}

// NewRegistry validates providers and builds a registry. Order is the
// selection priority within a kind.
func NewRegistry(providers []model.Provider) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(providers))}
	for i, p := range providers {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, model.Invalid("providers", "entry %d has no id", i)
		}
		if _, dup := r.byID[p.ID]; dup {
			return nil, model.Invalid("providers", "duplicate id %q", p.ID)
		}
		if !Supports(p.Type, p.Kind) {
			return nil, model.Invalid("providers", "%s: type %q cannot serve kind %q", p.ID, p.Type, p.Kind)
		}
		if p.RateLimit < 0 || p.DailyLimit < 0 {
			return nil, model.Invalid("providers", "%s: negative limit", p.ID)
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		r.byID[p.ID] = len(r.providers)
		r.providers = append(r.providers, p)
	}
	return r, nil
}

type providersFile struct {
	Providers []model.Provider `yaml:"providers"`
}

// LoadFile reads provider records from a YAML file with a top-level
// "providers" list.
func LoadFile(path string) ([]model.Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: read %s", path)
	}
	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "provider: parse %s", path)
	}
	return f.Providers, nil
}

// Select resolves the provider for kind. An explicit id must name an active
// provider of that kind. Without an id the first active provider of the kind
// wins.
func (r *Registry) Select(kind model.ProviderKind, id string) (model.Provider, error) {
	if id != "" {
		i, ok := r.byID[id]
		if !ok {
			return model.Provider{}, eris.Wrapf(ErrNoProvider, "provider: unknown id %q", id)
		}
		p := r.providers[i]
		if p.Kind != kind {
			return model.Provider{}, eris.Wrapf(ErrNoProvider, "provider: %s is %s, not %s", id, p.Kind, kind)
		}
		if !p.IsActive {
			return model.Provider{}, eris.Wrapf(ErrNoProvider, "provider: %s is inactive", id)
		}
		return p, nil
	}
	for _, p := range r.providers {
		if p.Kind == kind && p.IsActive {
			return p, nil
		}
	}
	return model.Provider{}, eris.Wrapf(ErrNoProvider, "provider: no active %s provider", kind)
}

// Get returns a provider by id regardless of status.
func (r *Registry) Get(id string) (model.Provider, bool) {
	i, ok := r.byID[id]
	if !ok {
		return model.Provider{}, false
	}
	return r.providers[i], true
}

// List returns all providers in priority order.
func (r *Registry) List() []model.Provider {
	out := make([]model.Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

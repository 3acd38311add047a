package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the parsed form of the YAML settings file named by
// RuntimeRecipe.SettingsFile: the backend/model/endpoint catalogue a worker
// (or a sub-task client resolver) needs to build a fresh LLM client for a
// given backend/model pair.
type Settings struct {
	DefaultBackend string                     `yaml:"default_backend"`
	Backends       map[string]BackendSettings `yaml:"backends"`
	Endpoints      []EndpointSettings         `yaml:"endpoints"`
	// Aliases maps deprecated model names to their replacements, applied
	// when the requested model is not found under a backend.
	Aliases map[string]string `yaml:"aliases,omitempty"`
}

// BackendSettings describes one named backend: its provider family and the
// models it serves.
type BackendSettings struct {
	Provider        string                   `yaml:"provider"`
	DefaultEndpoint string                   `yaml:"default_endpoint,omitempty"`
	Models          map[string]ModelSettings `yaml:"models"`
}

// ModelSettings describes one model under a backend. ID is the wire-level
// model identifier sent to the provider; when empty the catalogue key is
// used. Endpoints lists endpoint_ids in preference order; when empty the
// backend's default_endpoint applies.
type ModelSettings struct {
	ID        string   `yaml:"id,omitempty"`
	Endpoints []string `yaml:"endpoints,omitempty"`
}

// EndpointSettings is one reachable provider endpoint. APIKeyEnv names an
// environment variable consulted when APIKey is empty, so settings files can
// be committed without embedding secrets.
type EndpointSettings struct {
	EndpointID   string `yaml:"endpoint_id"`
	APIKey       string `yaml:"api_key,omitempty"`
	APIKeyEnv    string `yaml:"api_key_env,omitempty"`
	APIBase      string `yaml:"api_base,omitempty"`
	EndpointType string `yaml:"endpoint_type,omitempty"`
}

// ResolveAPIKey returns the endpoint's API key, falling back to the
// environment variable named by APIKeyEnv.
func (e EndpointSettings) ResolveAPIKey() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	if e.APIKeyEnv != "" {
		return os.Getenv(e.APIKeyEnv)
	}
	return ""
}

// ResolvedModel is the outcome of resolving a backend/model pair against a
// Settings catalogue: the provider family, the wire-level model id, and the
// endpoint candidates in preference order.
type ResolvedModel struct {
	Backend        string
	Provider       string
	RequestedModel string
	SelectedModel  string
	ModelID        string
	Endpoints      []EndpointSettings
}

// Endpoint returns the preferred endpoint.
func (r ResolvedModel) Endpoint() EndpointSettings {
	return r.Endpoints[0]
}

// LoadSettings reads and validates a YAML settings file.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read settings file: %w", err)
	}
	return ParseSettings(raw)
}

// ParseSettings decodes YAML settings bytes and validates the catalogue
// shape: at least one backend, every backend with a provider, and every
// endpoint with an endpoint_id.
func ParseSettings(raw []byte) (*Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("config: parse settings: %w", err)
	}
	if len(s.Backends) == 0 {
		return nil, fmt.Errorf("config: settings declare no backends")
	}
	for name, b := range s.Backends {
		if b.Provider == "" {
			return nil, fmt.Errorf("config: backend %q has no provider", name)
		}
	}
	for i, e := range s.Endpoints {
		if e.EndpointID == "" {
			return nil, fmt.Errorf("config: endpoint %d has no endpoint_id", i)
		}
	}
	if s.DefaultBackend != "" {
		if _, ok := s.Backends[s.DefaultBackend]; !ok {
			return nil, fmt.Errorf("config: default_backend %q not declared under backends", s.DefaultBackend)
		}
	}
	return &s, nil
}

// ResolveModel resolves a backend/model pair to a provider, wire model id,
// and endpoint candidates. An empty backend falls back to DefaultBackend; an
// unknown model is retried through the alias map before failing.
func (s *Settings) ResolveModel(backend, model string) (ResolvedModel, error) {
	if backend == "" {
		backend = s.DefaultBackend
	}
	if backend == "" {
		return ResolvedModel{}, fmt.Errorf("config: no backend requested and no default_backend configured")
	}
	b, ok := s.Backends[backend]
	if !ok {
		return ResolvedModel{}, fmt.Errorf("config: backend %q not found", backend)
	}
	if len(b.Models) == 0 {
		return ResolvedModel{}, fmt.Errorf("config: backend %q has no models", backend)
	}

	selected := model
	mc, ok := b.Models[selected]
	if !ok {
		if alias, aliased := s.Aliases[model]; aliased {
			selected = alias
			mc, ok = b.Models[selected]
		}
	}
	if !ok {
		available := make([]string, 0, len(b.Models))
		for name := range b.Models {
			available = append(available, name)
		}
		sort.Strings(available)
		if len(available) > 10 {
			available = available[:10]
		}
		return ResolvedModel{}, fmt.Errorf("config: model %q not found under backend %q; available sample: %s", model, backend, strings.Join(available, ", "))
	}

	modelID := mc.ID
	if modelID == "" {
		modelID = selected
	}

	candidates := mc.Endpoints
	if len(candidates) == 0 && b.DefaultEndpoint != "" {
		candidates = []string{b.DefaultEndpoint}
	}
	endpoints := make([]EndpointSettings, 0, len(candidates))
	for _, id := range candidates {
		ep, found := s.endpoint(id)
		if !found {
			return ResolvedModel{}, fmt.Errorf("config: endpoint %q referenced by model %q is not declared", id, selected)
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return ResolvedModel{}, fmt.Errorf("config: model %q has no endpoint candidates", selected)
	}

	return ResolvedModel{
		Backend:        backend,
		Provider:       b.Provider,
		RequestedModel: model,
		SelectedModel:  selected,
		ModelID:        modelID,
		Endpoints:      endpoints,
	}, nil
}

func (s *Settings) endpoint(id string) (EndpointSettings, bool) {
	for _, e := range s.Endpoints {
		if e.EndpointID == id {
			return e, true
		}
	}
	return EndpointSettings{}, false
}

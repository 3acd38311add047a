package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `
default_backend: anthropic
aliases:
  claude-legacy: claude-main
backends:
  anthropic:
    provider: anthropic
    default_endpoint: anthropic-direct
    models:
      claude-main:
        id: claude-sonnet-4-20250514
      claude-fast: {}
  openai:
    provider: openai
    models:
      gpt-main:
        id: gpt-4.1
        endpoints: [openai-direct]
endpoints:
  - endpoint_id: anthropic-direct
    api_key_env: TEST_ANTHROPIC_KEY
    api_base: https://api.anthropic.com
  - endpoint_id: openai-direct
    api_key: sk-test
    api_base: https://api.openai.com/v1
`

func TestLoadSettingsParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(settingsYAML), 0o644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", s.DefaultBackend)
	assert.Len(t, s.Backends, 2)
	assert.Len(t, s.Endpoints, 2)
}

func TestLoadSettingsMissingFile(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestParseSettingsRejectsEmptyBackends(t *testing.T) {
	_, err := ParseSettings([]byte("endpoints: []"))
	require.ErrorContains(t, err, "no backends")
}

func TestParseSettingsRejectsProviderlessBackend(t *testing.T) {
	_, err := ParseSettings([]byte("backends:\n  b1:\n    models: {}\n"))
	require.ErrorContains(t, err, "no provider")
}

func TestParseSettingsRejectsUnknownDefaultBackend(t *testing.T) {
	_, err := ParseSettings([]byte("default_backend: missing\nbackends:\n  b1:\n    provider: openai\n"))
	require.ErrorContains(t, err, `default_backend "missing"`)
}

func TestResolveModelUsesDefaultBackend(t *testing.T) {
	s, err := ParseSettings([]byte(settingsYAML))
	require.NoError(t, err)

	resolved, err := s.ResolveModel("", "claude-main")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", resolved.Backend)
	assert.Equal(t, "anthropic", resolved.Provider)
	assert.Equal(t, "claude-sonnet-4-20250514", resolved.ModelID)
	require.Len(t, resolved.Endpoints, 1)
	assert.Equal(t, "anthropic-direct", resolved.Endpoint().EndpointID)
}

func TestResolveModelFollowsAlias(t *testing.T) {
	s, err := ParseSettings([]byte(settingsYAML))
	require.NoError(t, err)

	resolved, err := s.ResolveModel("anthropic", "claude-legacy")
	require.NoError(t, err)
	assert.Equal(t, "claude-legacy", resolved.RequestedModel)
	assert.Equal(t, "claude-main", resolved.SelectedModel)
}

func TestResolveModelFallsBackToCatalogueKeyAsID(t *testing.T) {
	s, err := ParseSettings([]byte(settingsYAML))
	require.NoError(t, err)

	resolved, err := s.ResolveModel("anthropic", "claude-fast")
	require.NoError(t, err)
	assert.Equal(t, "claude-fast", resolved.ModelID)
}

func TestResolveModelUnknownModelListsAvailable(t *testing.T) {
	s, err := ParseSettings([]byte(settingsYAML))
	require.NoError(t, err)

	_, err = s.ResolveModel("anthropic", "nope")
	require.ErrorContains(t, err, "available sample")
}

func TestResolveModelExplicitEndpointList(t *testing.T) {
	s, err := ParseSettings([]byte(settingsYAML))
	require.NoError(t, err)

	resolved, err := s.ResolveModel("openai", "gpt-main")
	require.NoError(t, err)
	require.Len(t, resolved.Endpoints, 1)
	assert.Equal(t, "sk-test", resolved.Endpoint().ResolveAPIKey())
}

func TestResolveAPIKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-from-env")
	ep := EndpointSettings{EndpointID: "e", APIKeyEnv: "TEST_ANTHROPIC_KEY"}
	assert.Equal(t, "sk-from-env", ep.ResolveAPIKey())
}

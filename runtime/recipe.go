package runtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loopkit/agentrt/backend"
	"github.com/loopkit/agentrt/config"
	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/tools"
	"github.com/loopkit/agentrt/types"
)

// ClientBuilder constructs a provider client for one resolved model. The
// distributed worker and the settings-based sub-agent resolver both call it;
// implementations typically switch on resolved.Provider and hand back an
// adapter from model/anthropic, model/openai, or model/bedrock (or a
// model/gateway fronting several).
type ClientBuilder func(resolved config.ResolvedModel) (model.Client, error)

// NewSettingsResolver returns a settings-file SubAgentClientResolver:
// each sub-agent gets a fresh client built for its own
// backend/model pair, which is what makes sub-agents model-heterogeneous.
// The sub-agent's configured model falls back to the parent task's model
// when empty.
func NewSettingsResolver(settings *config.Settings, build ClientBuilder) SubAgentClientResolver {
	return func(parentTask types.AgentTask, agentName string, cfg types.SubAgentConfig) (model.Client, string, error) {
		m := cfg.Model
		if m == "" {
			m = parentTask.Model
		}
		resolved, err := settings.ResolveModel(cfg.Backend, m)
		if err != nil {
			return nil, "", fmt.Errorf("runtime: resolve sub-agent %q: %w", agentName, err)
		}
		client, err := build(resolved)
		if err != nil {
			return nil, "", fmt.Errorf("runtime: build client for sub-agent %q: %w", agentName, err)
		}
		return client, resolved.ModelID, nil
	}
}

// hookFactories is the process-wide registry RebuildFromRecipe uses to turn
// a recipe's hook_class_paths entries back into live hook instances; Go has
// no dynamic class loading, so worker binaries register every hook they can
// host at init time.
var (
	hookFactoriesMu sync.RWMutex
	hookFactories   = map[string]func() any{}
)

// RegisterHookFactory associates name with a constructor for one hook
// instance. Registering the same name twice replaces the earlier factory.
func RegisterHookFactory(name string, factory func() any) {
	hookFactoriesMu.Lock()
	defer hookFactoriesMu.Unlock()
	hookFactories[name] = factory
}

func lookupHookFactory(name string) (func() any, bool) {
	hookFactoriesMu.RLock()
	defer hookFactoriesMu.RUnlock()
	f, ok := hookFactories[name]
	return f, ok
}

func registeredHookFactoryNames() []string {
	hookFactoriesMu.RLock()
	defer hookFactoriesMu.RUnlock()
	names := make([]string, 0, len(hookFactories))
	for name := range hookFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RebuildFromRecipe reconstructs a Runtime from a backend.RuntimeRecipe on
// the worker side of the distributed backend: it loads the
// recipe's settings file, builds a client for the recipe's backend/model,
// instantiates its hooks through the factory registry, and returns a
// Runtime sharing the given tool registry.
func RebuildFromRecipe(recipe backend.RuntimeRecipe, registry *tools.Registry, build ClientBuilder) (*Runtime, error) {
	if recipe.SettingsFile == "" {
		return nil, fmt.Errorf("runtime: recipe has no settings_file")
	}
	settings, err := config.LoadSettings(recipe.SettingsFile)
	if err != nil {
		return nil, fmt.Errorf("runtime: rebuild from recipe: %w", err)
	}
	resolved, err := settings.ResolveModel(recipe.Backend, recipe.Model)
	if err != nil {
		return nil, fmt.Errorf("runtime: rebuild from recipe: %w", err)
	}
	client, err := build(resolved)
	if err != nil {
		return nil, fmt.Errorf("runtime: rebuild from recipe: %w", err)
	}

	hookInstances := make([]any, 0, len(recipe.HookClassPaths))
	for _, name := range recipe.HookClassPaths {
		factory, ok := lookupHookFactory(name)
		if !ok {
			return nil, fmt.Errorf("runtime: hook %q is not registered in this worker; registered: %s", name, strings.Join(registeredHookFactoryNames(), ", "))
		}
		hookInstances = append(hookInstances, factory())
	}

	rt := New(client, registry, hooks.NewManager(hookInstances...))
	rt.DefaultWorkspace = recipe.Workspace
	rt.ResolveSubAgent = NewSettingsResolver(settings, build)
	if recipe.LogPreviewChars > 0 {
		rt.LogPreviewChars = recipe.LogPreviewChars
	}
	if recipe.TimeoutSeconds > 0 {
		rt.SubAgentTimeout = time.Duration(recipe.TimeoutSeconds) * time.Second
	}
	return rt, nil
}

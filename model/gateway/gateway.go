// Package gateway routes completion requests across multiple provider
// clients by model-id prefix, so one model.Client handle can front an
// anthropic, openai, and bedrock adapter at once. Routing is by longest
// registered prefix; a default client catches everything unmatched.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loopkit/agentrt/hooks"
	"github.com/loopkit/agentrt/model"
	"github.com/loopkit/agentrt/types"
)

// Gateway is a model.Client multiplexer. Register routes before handing it
// to a runtime; registration and completion are both safe for concurrent
// use.
type Gateway struct {
	mu       sync.RWMutex
	routes   []route
	fallback model.Client
}

type route struct {
	prefix string
	client model.Client
}

// New returns an empty Gateway. Without routes or a default client every
// Complete call fails with a no-route error.
func New() *Gateway {
	return &Gateway{}
}

// Route registers client for every model id starting with prefix. A longer
// prefix always wins over a shorter one; registering the same prefix twice
// replaces the earlier client. Returns the gateway for chaining.
func (g *Gateway) Route(prefix string, client model.Client) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range g.routes {
		if r.prefix == prefix {
			g.routes[i].client = client
			return g
		}
	}
	g.routes = append(g.routes, route{prefix: prefix, client: client})
	sort.SliceStable(g.routes, func(i, j int) bool {
		return len(g.routes[i].prefix) > len(g.routes[j].prefix)
	})
	return g
}

// SetDefault registers the client used when no prefix matches.
func (g *Gateway) SetDefault(client model.Client) *Gateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fallback = client
	return g
}

var _ model.Client = (*Gateway)(nil)

// Complete forwards to the client registered for the longest prefix of
// modelID, or the default client.
func (g *Gateway) Complete(ctx context.Context, modelID string, messages []types.Message, tools []map[string]any, stream model.StreamCallback) (hooks.LLMResponse, error) {
	client, err := g.resolve(modelID)
	if err != nil {
		return hooks.LLMResponse{}, err
	}
	return client.Complete(ctx, modelID, messages, tools, stream)
}

func (g *Gateway) resolve(modelID string) (model.Client, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.routes {
		if strings.HasPrefix(modelID, r.prefix) {
			return r.client, nil
		}
	}
	if g.fallback != nil {
		return g.fallback, nil
	}
	return nil, fmt.Errorf("gateway: no route for model %q", modelID)
}

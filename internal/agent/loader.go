// Package agent implements the schema-driven agent runtime: a loader chain
// that resolves agent definitions and a streaming tool-use loop over the
// provider proxy.
package agent

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/percolationlabs/percolate/internal/store"
	"github.com/percolationlabs/percolate/pkg/models"
)

// LoaderFunc is one link in the loader chain. Returning a store.ErrNotFound
// passes resolution to the next link.
type LoaderFunc func(ctx context.Context, name string) (*models.Agent, error)

// Loader resolves agent names through a chain: registered hooks first, then
// the store, then static built-ins, then an abstract fallback that
// synthesizes a minimal agent so unknown names still chat (without tools).
type Loader struct {
	store  store.Store
	hooks  []LoaderFunc
	static map[string]*models.Agent
}

// NewLoader builds the chain over the store.
func NewLoader(st store.Store) *Loader {
	return &Loader{
		store:  st,
		static: map[string]*models.Agent{},
	}
}

// AddHook prepends a resolution hook. Hooks run in registration order
// before any other source.
func (l *Loader) AddHook(hook LoaderFunc) {
	l.hooks = append(l.hooks, hook)
}

// AddStatic registers a built-in agent definition.
func (l *Loader) AddStatic(agent *models.Agent) {
	l.static[models.QualifyName(agent.Name)] = agent
}

// Load resolves an agent by name. Names are namespace-qualified before
// lookup, so "sales-bot" and "public.sales-bot" resolve identically.
func (l *Loader) Load(ctx context.Context, name string) (*models.Agent, error) {
	qualified := models.QualifyName(name)

	for _, hook := range l.hooks {
		agent, err := hook(ctx, qualified)
		if err == nil {
			return agent, nil
		}
		if !store.IsNotFound(err) {
			return nil, err
		}
	}

	agent, err := l.store.GetAgent(ctx, qualified)
	if err == nil {
		return agent, nil
	}
	if !store.IsNotFound(err) {
		return nil, err
	}

	if agent, ok := l.static[qualified]; ok {
		return agent, nil
	}

	log.Debug().Str("agent", qualified).Msg("resolving as abstract agent")
	return abstractAgent(qualified), nil
}

// abstractAgent is the terminal fallback: a plain conversational agent with
// no schema, tools, or on_load behavior.
func abstractAgent(name string) *models.Agent {
	return &models.Agent{
		ID:          models.AgentIDForName(name),
		Name:        name,
		Description: "You are a helpful assistant.",
	}
}

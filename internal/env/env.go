// Package env holds the per-run execution context threaded through every
// block: accumulated state, per-block configuration, credentials, store
// handles and loop iteration bookkeeping.
package env

import (
	"errors"
	"fmt"
	"time"

	"pipecore/internal/cache"
	"pipecore/internal/databases"
	"pipecore/internal/metrics"
	"pipecore/internal/outbound"
	"pipecore/internal/providers"
	"pipecore/internal/scraper"
	"pipecore/internal/script"
	"pipecore/internal/store"
)

// ErrDuplicateName is returned when a state entry is written twice.
var ErrDuplicateName = errors.New("state entry already set")

// State is the ordered, append-only map of block outputs.
type State struct {
	names  []string
	values map[string]any
}

// NewState returns an empty state.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Get returns the value stored under name.
func (s *State) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Insert appends name. Names are written once.
func (s *State) Insert(name string, value any) error {
	if _, ok := s.values[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	s.names = append(s.names, name)
	s.values[name] = value
	return nil
}

// Replace overwrites an existing entry in place. While passes use it for
// outputs carried over from the previous pass.
func (s *State) Replace(name string, value any) error {
	if _, ok := s.values[name]; !ok {
		return fmt.Errorf("state entry %s not set", name)
	}
	s.values[name] = value
	return nil
}

// Names returns the entry names in insertion order.
func (s *State) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of entries.
func (s *State) Len() int { return len(s.names) }

// Clone returns an independent copy sharing the (immutable) values.
func (s *State) Clone() *State {
	c := &State{names: append([]string(nil), s.names...), values: make(map[string]any, len(s.values))}
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

// Map returns the entries as a plain map, for scripts and templates.
func (s *State) Map() map[string]any {
	m := make(map[string]any, len(s.values))
	for k, v := range s.values {
		m[k] = v
	}
	return m
}

// MapContext is the iteration bookkeeping of the enclosing loop.
type MapContext struct {
	Name  string `json:"name"`
	Index int    `json:"iteration"`
	Total int    `json:"total"`
}

// RunConfig carries per-block runtime overrides keyed by block name.
type RunConfig struct {
	Blocks map[string]map[string]any `json:"blocks"`
}

// ConfigForBlock returns the override object for name, or nil.
func (c RunConfig) ConfigForBlock(name string) map[string]any {
	if c.Blocks == nil {
		return nil
	}
	return c.Blocks[name]
}

// Runtime bundles the process-wide services blocks call into. It is built
// once at startup and shared by every run.
type Runtime struct {
	Scripts   *script.Executor
	Cache     cache.Cache
	HTTP      *outbound.Client
	Providers *providers.Registry
	Databases *databases.Querier
	Browser   scraper.Scraper
	Metrics   *metrics.Metrics

	ScriptTimeout time.Duration
	CacheTTL      time.Duration
	Endpoints     Endpoints
}

// Endpoints are the base URLs of third-party APIs used by blocks.
type Endpoints struct {
	SerpAPI      string
	Serper       string
	ReplitScheme string
}

// DefaultEndpoints returns the production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		SerpAPI:      "https://serpapi.com",
		Serper:       "https://google.serper.dev",
		ReplitScheme: "https",
	}
}

// Env is the context of one block execution. Blocks read it and never
// mutate it; the orchestrator derives new Envs for loop iterations.
type Env struct {
	RunID       string
	State       *State
	Config      RunConfig
	Input       any
	Credentials map[string]string
	Secrets     map[string]string
	Project     store.Project

	Store          store.Store
	DatabasesStore store.DatabasesStore
	SearchStore    store.SearchStore
	Runtime        *Runtime

	Map *MapContext
}

// WithState returns a copy of e using state and loop context m.
func (e *Env) WithState(state *State, m *MapContext) *Env {
	c := *e
	c.State = state
	c.Map = m
	return &c
}

// ScriptEnv is the env object handed to user scripts. Secrets are only
// exposed when withSecrets is set.
func (e *Env) ScriptEnv(withSecrets bool) map[string]any {
	out := map[string]any{
		"state":  e.State.Map(),
		"input":  e.Input,
		"run_id": e.RunID,
		"map":    nil,
	}
	if e.Map != nil {
		out["map"] = map[string]any{"name": e.Map.Name, "iteration": e.Map.Index, "total": e.Map.Total}
	}
	if withSecrets {
		secrets := make(map[string]any, len(e.Secrets))
		for k, v := range e.Secrets {
			secrets[k] = v
		}
		out["secrets"] = secrets
	}
	return out
}

// TemplateData is the data templates resolve against: every state entry by
// name plus "input".
func (e *Env) TemplateData() map[string]any {
	data := e.State.Map()
	if _, ok := data["input"]; !ok {
		data["input"] = e.Input
	}
	return data
}

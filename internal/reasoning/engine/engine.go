// Package engine turns one reasoning step into a model call and parses the
// decision the model returns.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/action"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/supplier"
)

// ErrEngineNotFound is returned for unknown engine names.
var ErrEngineNotFound = errors.New("reasoning engine not found")

// Resource is an agent's per-engine configuration.
type Resource struct {
	Engine               string   `yaml:"engine" json:"engine"`
	SystemPromptTemplate string   `yaml:"system_prompt_template" json:"system_prompt_template,omitempty"`
	PromptTemplate       string   `yaml:"prompt_template" json:"prompt_template,omitempty"`
	ArgSuppliers         []string `yaml:"arg_suppliers" json:"arg_suppliers,omitempty"`
}

// Agent is what an engine needs from the agent it reasons for.
type Agent interface {
	supplier.Agent
	LLM() core.LLMProvider
	Model() string
	EngineResource() Resource
}

// Request is the input of one invocation.
type Request struct {
	Agent    Agent
	Context  core.AgentContext
	Received *core.Message
	Step     *core.Message
	StepID   string
	History  supplier.History
}

// Output is the decision of one invocation.
type Output struct {
	Done                  bool
	Answer                string
	Actions               []action.Action
	Reason                string
	PlansBriefDescription string

	ModelName    string
	Thinking     string
	Content      string
	SystemPrompt string
	UserPrompt   string
	Messages     []core.ModelMessage
	Parsed       *ModelOutput
}

// Engine reasons one step.
type Engine interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, req Request) (*Output, error)
}

// Registry holds engines by name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

func (r *Registry) Register(e Engine) error {
	if e == nil || e.Name() == "" {
		return fmt.Errorf("register engine: name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[e.Name()]; ok {
		return fmt.Errorf("register engine: %s already registered", e.Name())
	}
	r.engines[e.Name()] = e
	return nil
}

// Get returns the named engine; an empty name selects DefaultName.
func (r *Registry) Get(name string) (Engine, error) {
	if name == "" {
		name = DefaultName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, name)
	}
	return e, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for n := range r.engines {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

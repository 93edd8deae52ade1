// Package supplier fills the prompt parameters of a reasoning engine. Each
// supplier owns one parameter key; the first supplier resolved for a key wins.
package supplier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/ability"
)

// ErrSupplierNotFound is returned by Registry.MustGet for unknown names.
var ErrSupplierNotFound = errors.New("arg supplier not found")

// Agent is the view of the running agent suppliers read from.
type Agent interface {
	Name() string
	Abilities() []ability.Ability
	// ContextLength is the character budget of the agent's model.
	ContextLength() int
}

// History is the conversation record the history suppliers format.
type History interface {
	GetMessages(ctx context.Context, convID string) ([]*core.Message, error)
}

// Input is everything a supplier may look at.
type Input struct {
	Agent    Agent
	Context  core.AgentContext
	Received *core.Message
	StepID   string
	History  History
}

// Supplier populates params[ArgKey()], or leaves it absent for "no value".
type Supplier interface {
	Name() string
	Description() string
	ArgKey() string
	Supply(ctx context.Context, params map[string]interface{}, in Input) error
}

// Registry holds suppliers by name.
type Registry struct {
	mu        sync.RWMutex
	suppliers map[string]Supplier
}

func NewRegistry() *Registry {
	return &Registry{suppliers: make(map[string]Supplier)}
}

// Register adds s; names must be unique.
func (r *Registry) Register(s Supplier) error {
	if s == nil || s.Name() == "" || s.ArgKey() == "" {
		return fmt.Errorf("register supplier: name and arg key required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.suppliers[s.Name()]; ok {
		return fmt.Errorf("register supplier: %s already registered", s.Name())
	}
	r.suppliers[s.Name()] = s
	return nil
}

func (r *Registry) Get(name string) (Supplier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.suppliers[name]
	return s, ok
}

func (r *Registry) MustGet(name string) (Supplier, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSupplierNotFound, name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.suppliers))
	for n := range r.suppliers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Collect runs suppliers in the order of names and returns the filled
// parameters. Unknown names are ignored. Once a supplier for a key has run,
// later suppliers for that key are skipped. A supplier that errors counts as
// having supplied nothing: its key is cleared and left open for a later
// supplier.
func (r *Registry) Collect(ctx context.Context, names []string, in Input, logger *log.Logger) map[string]interface{} {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	params := make(map[string]interface{})
	visited := make(map[string]bool)
	for _, name := range names {
		s, ok := r.Get(name)
		if !ok {
			logger.Printf("[%s] arg supplier %s not registered, skipping", in.Context.ConvID, name)
			continue
		}
		key := s.ArgKey()
		if visited[key] {
			continue
		}
		if err := s.Supply(ctx, params, in); err != nil {
			delete(params, key)
			logger.Printf("[%s] arg supplier %s failed, %s left empty: %v", in.Context.ConvID, name, key, err)
			continue
		}
		visited[key] = true
	}
	return params
}

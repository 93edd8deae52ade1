// Package team assembles reasoning agents from a YAML team definition and
// runs conversations against the entry agent.
package team

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/agent/reasoning"
	"github.com/mohammad-safakhou/reasoner/internal/knowledge"
	"github.com/mohammad-safakhou/reasoner/internal/memory"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/ability"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/engine"
	"github.com/mohammad-safakhou/reasoner/internal/tools"
	"gopkg.in/yaml.v3"
)

// Spec is the team definition file.
type Spec struct {
	// Entry names the agent that receives user requests; the first agent when empty.
	Entry  string      `yaml:"entry"`
	Agents []AgentSpec `yaml:"agents"`
}

// AgentSpec declares one agent of the team.
type AgentSpec struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Model         string   `yaml:"model"`
	Hidden        bool     `yaml:"hidden"`
	ContextLength int      `yaml:"context_length"`
	MaxSteps      int      `yaml:"max_steps"`
	MaxRetries    int      `yaml:"max_retries"`
	Tools         []string `yaml:"tools"`
	Knowledge     []string `yaml:"knowledge"`
	Peers         []string `yaml:"peers"`

	engine.Resource `yaml:",inline"`
}

// LoadSpec reads and validates a team file.
func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Spec{}, fmt.Errorf("read team file: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec decodes and validates a team definition.
func ParseSpec(data []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse team file: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Validate checks names are unique and every peer reference resolves.
func (s *Spec) Validate() error {
	if len(s.Agents) == 0 {
		return fmt.Errorf("team: no agents declared")
	}
	names := make(map[string]bool, len(s.Agents))
	for _, a := range s.Agents {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return fmt.Errorf("team: agents[].name required")
		}
		if name == core.UserName {
			return fmt.Errorf("team: agent name %q is reserved", name)
		}
		if names[name] {
			return fmt.Errorf("team: agent %q declared twice", name)
		}
		names[name] = true
	}
	for _, a := range s.Agents {
		for _, p := range a.Peers {
			if !names[p] {
				return fmt.Errorf("team: agent %s references unknown peer %q", a.Name, p)
			}
		}
	}
	if s.Entry == "" {
		s.Entry = s.Agents[0].Name
	}
	if !names[s.Entry] {
		return fmt.Errorf("team: entry agent %q not declared", s.Entry)
	}
	return nil
}

// KnowledgeBase is a searcher that can list its packs.
type KnowledgeBase interface {
	core.KnowledgeSearcher
	Packs() []knowledge.Pack
}

// Deps are the shared components agents are built over.
type Deps struct {
	LLM       core.LLMProvider
	Engines   *engine.Registry
	Memory    *memory.GptsMemory
	Tools     *tools.Pack
	Knowledge KnowledgeBase
	Loop      config.AgentConfig
	Language  string
	Confirm   reasoning.ConfirmFunc
	// Retention delays clearing a finished conversation from memory. Zero
	// clears it as soon as its run returns.
	Retention time.Duration
	Logger    *log.Logger
}

// Team is a set of wired agents sharing one memory.
type Team struct {
	agents    map[string]*reasoning.Agent
	order     []string
	entry     string
	memory    *memory.GptsMemory
	retention time.Duration
	logger    *log.Logger
}

// Build creates the agents of spec and wires their peers, tools and knowledge.
func Build(spec Spec, deps Deps) (*Team, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if deps.Memory == nil {
		return nil, fmt.Errorf("team: memory required")
	}
	if deps.Engines == nil {
		deps.Engines = engine.NewRegistry()
		if err := deps.Engines.Register(engine.NewDefault(nil, nil)); err != nil {
			return nil, err
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[TEAM] ", log.LstdFlags)
	}
	loop := deps.Loop.Normalize()

	t := &Team{
		agents:    make(map[string]*reasoning.Agent, len(spec.Agents)),
		entry:     spec.Entry,
		memory:    deps.Memory,
		retention: deps.Retention,
		logger:    logger,
	}
	for _, as := range spec.Agents {
		eng, err := deps.Engines.Get(firstNonEmpty(as.Engine, loop.Engine))
		if err != nil {
			return nil, fmt.Errorf("team: agent %s: %w", as.Name, err)
		}
		res := as.Resource
		if len(res.ArgSuppliers) == 0 {
			res.ArgSuppliers = loop.ArgSuppliers
		}
		cfg := reasoning.Config{
			Name:               as.Name,
			Description:        as.Description,
			Hidden:             as.Hidden,
			Model:              as.Model,
			ContextLength:      as.ContextLength,
			MaxSteps:           pick(as.MaxSteps, loop.MaxSteps),
			MaxRetries:         pick(as.MaxRetries, loop.MaxRetries),
			RetryBackoff:       loop.RetryBackoff,
			MaxDelegationDepth: loop.MaxDelegationDepth,
			Language:           deps.Language,
			Resource:           res,
		}
		opts := []reasoning.Option{reasoning.WithLogger(log.New(logger.Writer(), "[AGENT] ", log.LstdFlags))}
		if deps.Confirm != nil {
			opts = append(opts, reasoning.WithConfirm(deps.Confirm))
		}
		agent := reasoning.New(cfg, deps.LLM, eng, deps.Memory, opts...)

		for _, name := range as.Tools {
			if deps.Tools == nil {
				return nil, fmt.Errorf("team: agent %s uses tool %s but no tools are configured", as.Name, name)
			}
			card, ok := deps.Tools.Card(name)
			if !ok {
				return nil, fmt.Errorf("team: agent %s: tool %s is not bound", as.Name, name)
			}
			agent.AddTool(deps.Tools, name, card.Description)
		}
		if len(as.Knowledge) > 0 {
			packs, err := selectPacks(deps.Knowledge, as.Knowledge)
			if err != nil {
				return nil, fmt.Errorf("team: agent %s: %w", as.Name, err)
			}
			agent.SetKnowledge(deps.Knowledge, packs)
		}

		deps.Memory.RegisterAgent(as.Name, !as.Hidden)
		t.agents[as.Name] = agent
		t.order = append(t.order, as.Name)
	}
	for _, as := range spec.Agents {
		peers := make([]core.Agent, 0, len(as.Peers))
		for _, p := range as.Peers {
			peers = append(peers, t.agents[p])
		}
		t.agents[as.Name].SetPeers(peers...)
	}
	deps.Memory.RegisterAgent(core.UserName, true)
	return t, nil
}

func selectPacks(kb KnowledgeBase, ids []string) ([]ability.KnowledgePack, error) {
	if kb == nil {
		return nil, fmt.Errorf("knowledge packs %v requested but no knowledge base is configured", ids)
	}
	known := make(map[string]knowledge.Pack)
	for _, p := range kb.Packs() {
		known[p.ID] = p
	}
	out := make([]ability.KnowledgePack, 0, len(ids))
	for _, id := range ids {
		p, ok := known[id]
		if !ok {
			return nil, fmt.Errorf("unknown knowledge pack %q", id)
		}
		out = append(out, ability.KnowledgePack{ID: p.ID, Name: p.Name, Description: p.Description})
	}
	return out, nil
}

// Agent returns a team member by name.
func (t *Team) Agent(name string) (*reasoning.Agent, bool) {
	a, ok := t.agents[name]
	return a, ok
}

// Entry returns the agent that receives user requests.
func (t *Team) Entry() *reasoning.Agent { return t.agents[t.entry] }

// Names lists the agents in declaration order.
func (t *Team) Names() []string { return append([]string(nil), t.order...) }

// Memory returns the shared conversation memory.
func (t *Team) Memory() *memory.GptsMemory { return t.memory }

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

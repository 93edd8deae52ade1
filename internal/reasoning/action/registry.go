package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

// ErrUnknownAction is returned when a report names an unregistered action.
var ErrUnknownAction = errors.New("unknown action")

// Decoder rebuilds an action from the report it produced.
type Decoder func(r *core.ActionOutput) (Action, error)

// Registry maps action names to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// DefaultRegistry returns a registry holding the built-in actions.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(NameAgent, decodeAgent)
	_ = r.Register(NameTool, decodeTool)
	_ = r.Register(NameKnowledge, decodeKnowledge)
	return r
}

func (r *Registry) Register(name string, d Decoder) error {
	if strings.TrimSpace(name) == "" || d == nil {
		return fmt.Errorf("register action: name and decoder required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[name]; ok {
		return fmt.Errorf("register action: %s already registered", name)
	}
	r.decoders[name] = d
	return nil
}

func (r *Registry) Get(name string) (Decoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[name]
	return d, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for n := range r.decoders {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Decode rebuilds the action behind a stored report.
func (r *Registry) Decode(rep *core.ActionOutput) (Action, error) {
	if rep == nil {
		return nil, fmt.Errorf("%w: nil report", ErrUnknownAction)
	}
	d, ok := r.Get(rep.ActionName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, rep.ActionName)
	}
	return d(rep)
}

func decodeAgent(r *core.ActionOutput) (Action, error) {
	return NewAgentAction(AgentInput{AgentName: r.Action, Content: r.ActionInput, Thought: r.Reason}, r.Intention), nil
}

func decodeTool(r *core.ActionOutput) (Action, error) {
	var args map[string]interface{}
	if strings.TrimSpace(r.ActionInput) != "" {
		if err := json.Unmarshal([]byte(r.ActionInput), &args); err != nil {
			return nil, fmt.Errorf("decode tool args of %s: %w", r.ActionID, err)
		}
	}
	return NewToolAction(nil, ToolInput{Tool: r.Action, Args: args, Thought: r.Thoughts}, r.Intention, r.Reason), nil
}

func decodeKnowledge(r *core.ActionOutput) (Action, error) {
	in := KnowledgeInput{Intention: r.Intention, Thought: r.Reason}
	if strings.TrimSpace(r.ActionInput) != "" {
		if err := json.Unmarshal([]byte(r.ActionInput), &in); err != nil {
			return nil, fmt.Errorf("decode knowledge input of %s: %w", r.ActionID, err)
		}
	}
	return NewKnowledgeAction(nil, in), nil
}

// ParseReports flattens a report whose content is a JSON list of sub-reports,
// recursing into nested lists. A report without sub-reports is returned as is.
func ParseReports(r *core.ActionOutput) []*core.ActionOutput {
	if r == nil {
		return nil
	}
	subs, ok := decodeSubReports(r.Content)
	if !ok {
		return []*core.ActionOutput{r}
	}
	var out []*core.ActionOutput
	for _, s := range subs {
		out = append(out, ParseReports(s)...)
	}
	return out
}

// decodeSubReports accepts a JSON list only when every element carries an
// action id or action name. Other lists, such as raw tool results, are content.
func decodeSubReports(content string) ([]*core.ActionOutput, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil || len(raw) == 0 {
		return nil, false
	}
	subs := make([]*core.ActionOutput, 0, len(raw))
	for _, item := range raw {
		var s core.ActionOutput
		if err := json.Unmarshal(item, &s); err != nil {
			return nil, false
		}
		if s.ActionID == "" && s.ActionName == "" {
			return nil, false
		}
		subs = append(subs, &s)
	}
	return subs, true
}

// EncodeReports serialises sub-reports into a step report's content.
func EncodeReports(reports []*core.ActionOutput) string {
	raw, err := json.Marshal(reports)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// Package ability describes what a reasoning agent may plan with: peer
// agents, tools and knowledge packs.
package ability

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/action"
)

// KnowledgeName is the plan id of the knowledge retrieval ability.
const KnowledgeName = "knowledge_retrieve"

// Separator joins ability prompts in the rendered ability list.
const Separator = "\n\n----- available abilities -----\n\n"

// Kind tags the payload an Ability carries.
type Kind int

const (
	KindTool Kind = iota + 1
	KindPeerAgent
	KindKnowledge
)

func (k Kind) String() string {
	switch k {
	case KindTool:
		return "tool"
	case KindPeerAgent:
		return "agent"
	case KindKnowledge:
		return "knowledge"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Tool is one tool of a pack.
type Tool struct {
	Pack        core.ToolPack
	Name        string
	Description string
}

// Peer is a delegable agent.
type Peer struct {
	Agent core.Agent
}

// KnowledgePack is one pack the knowledge ability can search.
type KnowledgePack struct {
	ID          string
	Name        string
	Description string
}

// Knowledge is the retrieval ability over a set of packs.
type Knowledge struct {
	Searcher core.KnowledgeSearcher
	Packs    []KnowledgePack
}

// Ability is a tagged union; exactly one payload matches Kind.
type Ability struct {
	Kind      Kind
	Tool      *Tool
	Peer      *Peer
	Knowledge *Knowledge
}

func FromTool(pack core.ToolPack, name, description string) Ability {
	return Ability{Kind: KindTool, Tool: &Tool{Pack: pack, Name: name, Description: description}}
}

func FromPeer(a core.Agent) Ability {
	return Ability{Kind: KindPeerAgent, Peer: &Peer{Agent: a}}
}

func FromKnowledge(s core.KnowledgeSearcher, packs []KnowledgePack) Ability {
	return Ability{Kind: KindKnowledge, Knowledge: &Knowledge{Searcher: s, Packs: packs}}
}

// Name is the id plans use to select the ability.
func (a Ability) Name() string {
	switch a.Kind {
	case KindTool:
		if a.Tool != nil {
			return a.Tool.Name
		}
	case KindPeerAgent:
		if a.Peer != nil && a.Peer.Agent != nil {
			return a.Peer.Agent.Name()
		}
	case KindKnowledge:
		return KnowledgeName
	}
	return ""
}

// Prompt renders the ability for the prompt's ability list.
func (a Ability) Prompt() string {
	switch a.Kind {
	case KindTool:
		if a.Tool == nil {
			return ""
		}
		return fmt.Sprintf("**id**: %s\n\n**description**: %s", a.Tool.Name, a.Tool.Description)
	case KindPeerAgent:
		if a.Peer == nil || a.Peer.Agent == nil {
			return ""
		}
		return fmt.Sprintf("**id**: %s\n\n**description**: %s", a.Peer.Agent.Name(), a.Peer.Agent.Description())
	case KindKnowledge:
		if a.Knowledge == nil {
			return ""
		}
		var b strings.Builder
		b.WriteString("**id**: " + KnowledgeName + "\n\n")
		b.WriteString("**description**: search the knowledge packs below and summarise what is relevant to the query.")
		for _, p := range a.Knowledge.Packs {
			fmt.Fprintf(&b, "\n- %s (%s): %s", p.ID, p.Name, p.Description)
		}
		b.WriteString("\n\n**parameters**:\n\n[query, knowledge_ids]")
		return b.String()
	}
	return ""
}

// NewAction builds the action a plan entry selecting this ability stands for.
func (a Ability) NewAction(intention, reason string, params map[string]interface{}) (action.Action, error) {
	switch a.Kind {
	case KindTool:
		if a.Tool == nil {
			return nil, fmt.Errorf("tool ability without payload")
		}
		in := action.ToolInput{Tool: a.Tool.Name, Args: params, Thought: joinNonEmpty("\n\n", intention, reason)}
		return action.NewToolAction(a.Tool.Pack, in, intention, reason), nil
	case KindPeerAgent:
		if a.Peer == nil || a.Peer.Agent == nil {
			return nil, fmt.Errorf("agent ability without payload")
		}
		in := action.AgentInput{AgentName: a.Peer.Agent.Name(), Content: intention, Thought: reason, ExtraInfo: params}
		return action.NewAgentAction(in, intention), nil
	case KindKnowledge:
		if a.Knowledge == nil {
			return nil, fmt.Errorf("knowledge ability without payload")
		}
		in := action.KnowledgeInput{Intention: intention, Thought: reason}
		in.Query, _ = params["query"].(string)
		in.KnowledgeIDs = stringList(params["knowledge_ids"])
		return action.NewKnowledgeAction(a.Knowledge.Searcher, in), nil
	}
	return nil, fmt.Errorf("unknown ability kind %s", a.Kind)
}

// Render joins the prompts of abilities into the ability list text.
func Render(abilities []Ability) string {
	var parts []string
	for _, a := range abilities {
		if p := a.Prompt(); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.TrimSpace(Separator + strings.Join(parts, Separator))
}

func stringList(v interface{}) []string {
	switch t := v.(type) {
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func joinNonEmpty(sep string, parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

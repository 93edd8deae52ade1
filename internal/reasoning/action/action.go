// Package action holds the units of work a reasoning step can run: delegating
// to a peer agent, calling a tool, and querying knowledge packs.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/vis"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("reasoner/internal/reasoning/action")

const knowledgeLabel = "knowledge retrieval"

// Names under which the built-in actions are registered and recorded.
const (
	NameAgent     = vis.ActionAgent
	NameTool      = vis.ActionTool
	NameKnowledge = vis.ActionKnowledge
)

// Memory is the part of conversation memory actions write to.
type Memory interface {
	NextMessageRounds(ctx context.Context, convID string) int
	AppendMessage(ctx context.Context, convID string, msg *core.Message) error
}

// Env is the runtime context an action runs in.
type Env struct {
	Sender   core.Agent
	Peers    []core.Agent
	Memory   Memory
	Context  core.AgentContext
	Received *core.Message
	ActionID string
	// MaxDepth bounds delegation chains; zero disables the check.
	MaxDepth int
}

// Action is one parsed plan entry, ready to run.
//
// Run converts expected failures (unknown peer, tool error, empty knowledge)
// into a failed report. A returned error means the step itself must abort.
type Action interface {
	Name() string
	// Target is the peer, tool or resource the action addresses.
	Target() string
	Intention() string
	Reason() string
	Input() string
	Run(ctx context.Context, env Env) (*core.ActionOutput, error)
}

// Execute runs a inside a span and records the outcome.
func Execute(ctx context.Context, a Action, env Env) (*core.ActionOutput, error) {
	ctx, span := tracer.Start(ctx, "action.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("action.name", a.Name()),
		attribute.String("action.id", env.ActionID),
	)
	out, err := a.Run(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "action failed")
		actionRan(ctx, a.Name(), false)
		return nil, core.ActionError{Action: a.Name(), ActionID: env.ActionID, Err: err}
	}
	if out == nil {
		out = &core.ActionOutput{}
	}
	if !out.Success {
		span.SetStatus(codes.Error, out.Content)
	}
	actionRan(ctx, a.Name(), out.Success)
	return out, nil
}

// AgentInput is the structured input of an AgentAction.
type AgentInput struct {
	AgentName string                 `json:"agent_name"`
	Content   string                 `json:"content"`
	Thought   string                 `json:"thought,omitempty"`
	ExtraInfo map[string]interface{} `json:"extra_info,omitempty"`
}

// AgentAction delegates a task to a peer agent and waits for its loop to finish.
type AgentAction struct {
	In     AgentInput
	Intent string
}

func NewAgentAction(in AgentInput, intention string) *AgentAction {
	return &AgentAction{In: in, Intent: intention}
}

func (a *AgentAction) Name() string      { return NameAgent }
func (a *AgentAction) Target() string    { return a.In.AgentName }
func (a *AgentAction) Intention() string { return a.Intent }
func (a *AgentAction) Reason() string    { return a.In.Thought }
func (a *AgentAction) Input() string     { return core.MarshalArgs(a.In) }

func (a *AgentAction) Run(ctx context.Context, env Env) (*core.ActionOutput, error) {
	out := &core.ActionOutput{
		Action:      a.In.AgentName,
		ActionName:  NameAgent,
		ActionID:    env.ActionID,
		ActionInput: a.In.Content,
		Intention:   a.Intent,
		Reason:      a.In.Thought,
	}
	peer := findPeer(env.Peers, a.In.AgentName)
	if peer == nil {
		out.Content = fmt.Errorf("%w: %s", core.ErrAgentNotFound, a.In.AgentName).Error()
		return out, nil
	}
	depth := core.DelegationDepth(ctx) + 1
	if env.MaxDepth > 0 && depth > env.MaxDepth {
		out.Content = fmt.Errorf("%w: %s at depth %d (max %d)", core.ErrDelegationDepth, a.In.AgentName, depth, env.MaxDepth).Error()
		return out, nil
	}
	if env.Memory == nil {
		return nil, fmt.Errorf("delegate to %s: no memory bound", a.In.AgentName)
	}

	convID := env.Context.ConvID
	msg := &core.Message{
		MessageID:   core.NewMessageID(),
		ConvID:      convID,
		Rounds:      env.Memory.NextMessageRounds(ctx, convID),
		GoalID:      env.ActionID,
		Receiver:    peer.Name(),
		Role:        core.RoleAI,
		Content:     delegationContent(a.In.Content, a.In.ExtraInfo),
		CurrentGoal: a.In.Content,
		Context:     mergeContext(env.Received, a.In.ExtraInfo),
	}
	if env.Sender != nil {
		msg.Sender = env.Sender.Name()
	}
	if env.Received != nil {
		msg.SystemPrompt = env.Received.SystemPrompt
		msg.UserPrompt = env.Received.UserPrompt
	}
	if err := env.Memory.AppendMessage(ctx, convID, msg); err != nil {
		return nil, fmt.Errorf("record delegation to %s: %w", peer.Name(), err)
	}
	if _, err := peer.GenerateReply(core.WithDelegationDepth(ctx, depth), msg, env.Sender); err != nil {
		return nil, fmt.Errorf("agent %s: %w", peer.Name(), err)
	}
	out.Success = true
	out.Content = msg.MessageID
	return out, nil
}

func findPeer(peers []core.Agent, name string) core.Agent {
	for _, p := range peers {
		if p != nil && p.Name() == name {
			return p
		}
	}
	return nil
}

func delegationContent(content string, extra map[string]interface{}) string {
	if len(extra) == 0 {
		return content
	}
	return content + "\n\n" + core.MarshalArgs(extra)
}

func mergeContext(received *core.Message, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	if received != nil {
		for k, v := range received.Context {
			out[k] = v
		}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// ToolInput is the structured input of a ToolAction.
type ToolInput struct {
	Tool    string                 `json:"tool_name"`
	Args    map[string]interface{} `json:"args"`
	Thought string                 `json:"thought,omitempty"`
}

// ToolAction calls one tool of a pack.
type ToolAction struct {
	Pack   core.ToolPack
	In     ToolInput
	Intent string
	Why    string
}

func NewToolAction(pack core.ToolPack, in ToolInput, intention, reason string) *ToolAction {
	return &ToolAction{Pack: pack, In: in, Intent: intention, Why: reason}
}

func (a *ToolAction) Name() string      { return NameTool }
func (a *ToolAction) Target() string    { return a.In.Tool }
func (a *ToolAction) Intention() string { return a.Intent }
func (a *ToolAction) Reason() string    { return a.Why }
func (a *ToolAction) Input() string     { return core.MarshalArgs(a.In) }

func (a *ToolAction) Run(ctx context.Context, env Env) (*core.ActionOutput, error) {
	out := &core.ActionOutput{
		Action:      a.In.Tool,
		ActionName:  NameTool,
		ActionID:    env.ActionID,
		ActionInput: core.MarshalArgs(a.In.Args),
		Intention:   a.Intent,
		Reason:      a.Why,
		Thoughts:    a.In.Thought,
	}
	if a.Pack == nil {
		out.Content = fmt.Sprintf("Tool [%s] execute failed! no tool pack bound", a.In.Tool)
	} else if res, err := a.Pack.Execute(ctx, a.In.Tool, a.In.Args); err != nil {
		out.Content = fmt.Sprintf("Tool [%s:%s] execute failed! %v", a.Pack.Name(), a.In.Tool, err)
	} else {
		out.Success = true
		out.Content = stringify(res)
		out.IsTerminal = a.Pack.IsTerminal(a.In.Tool)
	}
	status := vis.StatusComplete
	if !out.Success {
		status = vis.StatusFailed
	}
	out.View = joinViews(vis.Thinking(env.ActionID+"-thought", a.In.Thought), vis.Tool(out, status))
	return out, nil
}

// KnowledgeInput is the structured input of a KnowledgeRetrieveAction.
type KnowledgeInput struct {
	Query        string   `json:"query"`
	KnowledgeIDs []string `json:"knowledge_ids"`
	Intention    string   `json:"intention,omitempty"`
	Thought      string   `json:"thought,omitempty"`
}

// KnowledgeRetrieveAction summarises the knowledge packs relevant to a query.
type KnowledgeRetrieveAction struct {
	Searcher core.KnowledgeSearcher
	In       KnowledgeInput
}

func NewKnowledgeAction(s core.KnowledgeSearcher, in KnowledgeInput) *KnowledgeRetrieveAction {
	return &KnowledgeRetrieveAction{Searcher: s, In: in}
}

func (a *KnowledgeRetrieveAction) Name() string      { return NameKnowledge }
func (a *KnowledgeRetrieveAction) Target() string    { return knowledgeLabel }
func (a *KnowledgeRetrieveAction) Intention() string { return a.In.Intention }
func (a *KnowledgeRetrieveAction) Reason() string    { return a.In.Thought }
func (a *KnowledgeRetrieveAction) Input() string     { return core.MarshalArgs(a.In) }

func (a *KnowledgeRetrieveAction) Run(ctx context.Context, env Env) (*core.ActionOutput, error) {
	out := &core.ActionOutput{
		Action:      knowledgeLabel,
		ActionName:  NameKnowledge,
		ActionID:    env.ActionID,
		ActionInput: core.MarshalArgs(map[string]interface{}{"query": a.In.Query, "knowledge_ids": a.In.KnowledgeIDs}),
		Intention:   a.In.Intention,
		Reason:      a.In.Thought,
	}
	if a.Searcher == nil {
		out.Content = "knowledge retrieval failed"
		return out, nil
	}
	sum, err := a.Searcher.GetSummary(ctx, a.In.Query, a.In.KnowledgeIDs)
	if err != nil {
		out.Content = "knowledge retrieval failed"
		out.Extra = map[string]interface{}{"error": err.Error()}
		return out, nil
	}
	out.Success = true
	out.Content = sum.SummaryContent
	if strings.TrimSpace(out.Content) == "" {
		out.Content = "no relevant knowledge found"
	}
	if len(sum.Sources) > 0 {
		out.Extra = map[string]interface{}{"sources": sum.Sources}
	}
	out.View = out.Content
	return out, nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func joinViews(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}

// ModelView renders a report the way it is shown back to the model.
func ModelView(r *core.ActionOutput) string {
	if r == nil || r.ActionName == NameAgent {
		return ""
	}
	return fmt.Sprintf("action: %s\n\nparams: %s\n\nresult:\n%s", r.Action, r.ActionInput, r.Content)
}

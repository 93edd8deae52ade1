// Package reasoning implements the reasoning agent: a bounded loop that asks
// an engine for the next step, runs the planned actions and reports progress
// into conversation memory.
package reasoning

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/ability"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/action"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/engine"
	"github.com/mohammad-safakhou/reasoner/internal/vis"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("reasoner/internal/agent/reasoning")

const (
	titleConfirm   = "awaiting user confirmation"
	titleAnswer    = "conclusion"
	titleException = "execution exception"

	// ActionUserConfirm names the report of a confirmation request.
	ActionUserConfirm = "UserConfirmAction"
)

// Memory is the conversation memory the loop reads and writes.
type Memory interface {
	action.Memory
	GetMessages(ctx context.Context, convID string) ([]*core.Message, error)
	Message(ctx context.Context, convID, messageID string) (*core.Message, bool, error)
	AppendPlans(ctx context.Context, convID string, plans []core.Plan) error
	Complete(ctx context.Context, convID string)
}

// ConfirmFunc decides whether a step's decision needs the user's approval
// before anything runs.
type ConfirmFunc func(ctx context.Context, received *core.Message, out *engine.Output) bool

// Config holds the identity and loop limits of an agent.
type Config struct {
	Name               string
	Description        string
	Hidden             bool
	Model              string
	ContextLength      int
	MaxSteps           int
	MaxRetries         int
	RetryBackoff       time.Duration
	MaxDelegationDepth int
	Language           string
	Resource           engine.Resource
}

func (c Config) normalize() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 3 * time.Second
	}
	return c
}

// Agent is a reasoning agent.
type Agent struct {
	cfg       Config
	llm       core.LLMProvider
	engine    engine.Engine
	memory    Memory
	actions   *action.Registry
	peers     []core.Agent
	tools     []ability.Ability
	knowledge *ability.Ability
	confirm   ConfirmFunc
	logger    *log.Logger
}

// Option configures an Agent.
type Option func(*Agent)

func WithLogger(l *log.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithConfirm installs the user confirmation hook.
func WithConfirm(fn ConfirmFunc) Option {
	return func(a *Agent) { a.confirm = fn }
}

// WithActions replaces the action registry used to decode cited reports.
func WithActions(r *action.Registry) Option {
	return func(a *Agent) {
		if r != nil {
			a.actions = r
		}
	}
}

// New builds an agent. Peers, tools and knowledge are attached afterwards.
func New(cfg Config, llm core.LLMProvider, eng engine.Engine, mem Memory, opts ...Option) *Agent {
	a := &Agent{
		cfg:     cfg.normalize(),
		llm:     llm,
		engine:  eng,
		memory:  mem,
		actions: action.DefaultRegistry(),
		logger:  log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Name() string        { return a.cfg.Name }
func (a *Agent) Description() string { return a.cfg.Description }
func (a *Agent) ShowMessage() bool   { return !a.cfg.Hidden }

func (a *Agent) LLM() core.LLMProvider           { return a.llm }
func (a *Agent) Model() string                   { return a.cfg.Model }
func (a *Agent) EngineResource() engine.Resource { return a.cfg.Resource }

// ContextLength is the configured budget, else the model's, else the default.
func (a *Agent) ContextLength() int {
	if a.cfg.ContextLength > 0 {
		return a.cfg.ContextLength
	}
	if a.llm != nil {
		if info, err := a.llm.GetModelInfo(a.cfg.Model); err == nil && info.ContextLength > 0 {
			return info.ContextLength
		}
	}
	return core.DefaultContextLength
}

// SetPeers replaces the agents this agent may delegate to.
func (a *Agent) SetPeers(peers ...core.Agent) {
	a.peers = a.peers[:0]
	for _, p := range peers {
		if p != nil && p.Name() != a.Name() {
			a.peers = append(a.peers, p)
		}
	}
}

// Peers returns the delegable agents.
func (a *Agent) Peers() []core.Agent {
	return append([]core.Agent(nil), a.peers...)
}

// AddTool exposes one tool of pack as an ability.
func (a *Agent) AddTool(pack core.ToolPack, name, description string) {
	a.tools = append(a.tools, ability.FromTool(pack, name, description))
}

// SetKnowledge exposes the knowledge retrieval ability over packs.
func (a *Agent) SetKnowledge(s core.KnowledgeSearcher, packs []ability.KnowledgePack) {
	if s == nil {
		a.knowledge = nil
		return
	}
	k := ability.FromKnowledge(s, packs)
	a.knowledge = &k
}

// Abilities lists peers, then tools, then knowledge.
func (a *Agent) Abilities() []ability.Ability {
	out := make([]ability.Ability, 0, len(a.peers)+len(a.tools)+1)
	for _, p := range a.peers {
		out = append(out, ability.FromPeer(p))
	}
	out = append(out, a.tools...)
	if a.knowledge != nil {
		out = append(out, *a.knowledge)
	}
	return out
}

// GenerateReply runs the step loop for received. The returned message is the
// answer addressed to sender, the confirmation request, or nil when the loop
// stopped without an answer. Top-level calls complete the conversation
// stream unless the loop is waiting for confirmation.
func (a *Agent) GenerateReply(ctx context.Context, received *core.Message, sender core.Agent) (*core.Message, error) {
	if received == nil {
		return nil, fmt.Errorf("agent %s: nil message", a.Name())
	}
	depth := core.DelegationDepth(ctx)
	ctx, span := tracer.Start(ctx, "agent.generate_reply")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.name", a.Name()),
		attribute.String("conv.id", received.ConvID),
		attribute.Int("delegation.depth", depth),
	)

	reply, confirming, err := a.loop(ctx, received, sender)
	if depth == 0 && !confirming {
		a.memory.Complete(ctx, received.ConvID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reply failed")
		return nil, err
	}
	return reply, nil
}

type loopState struct {
	received *core.Message
	sender   core.Agent
	actx     core.AgentContext
	rid      string
}

func (a *Agent) loop(ctx context.Context, received *core.Message, sender core.Agent) (*core.Message, bool, error) {
	st := &loopState{
		received: received,
		sender:   sender,
		actx:     a.agentContext(received),
		rid:      receivedActionID(received),
	}
	backoff := a.newBackoff()
	retries := 0
	var reply *core.Message

	for step := 1; step <= a.cfg.MaxSteps && retries < a.cfg.MaxRetries; step++ {
		stepID := fmt.Sprintf("%s-%d", st.rid, step)
		res := a.step(ctx, st, stepID, func() {
			retries = 0
			backoff = a.newBackoff()
		})
		if res.err != nil {
			retries++
			delay, stop := backoff.Next()
			retrying := !stop && retries < a.cfg.MaxRetries
			stepFailed(ctx, a.Name(), core.Phase(res.err))
			a.reportFailure(ctx, st, res.msg, stepID, res.err, retrying)
			if !retrying {
				return nil, false, fmt.Errorf("agent %s: %w: %w", a.Name(), core.ErrRetriesExhausted, res.err)
			}
			if err := sleep(ctx, delay); err != nil {
				return nil, false, err
			}
			continue
		}
		if res.confirming {
			return res.reply, true, nil
		}
		if res.reply != nil {
			reply = res.reply
		}
		if res.done {
			return reply, false, nil
		}
	}
	a.logger.Printf("[%s] agent %s stopped after step limit %d without finishing", st.actx.ConvID, a.Name(), a.cfg.MaxSteps)
	return reply, false, nil
}

func (a *Agent) newBackoff() retry.Backoff {
	attempts := a.cfg.MaxRetries - 1
	if attempts < 0 {
		attempts = 0
	}
	return retry.WithMaxRetries(uint64(attempts), retry.NewConstant(a.cfg.RetryBackoff))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type stepResult struct {
	msg        *core.Message
	reply      *core.Message
	done       bool
	confirming bool
	err        error
}

// step runs one iteration. engineOK is called once the engine has produced a
// decision, before anything is executed.
func (a *Agent) step(ctx context.Context, st *loopState, stepID string, engineOK func()) (res stepResult) {
	ctx, span := tracer.Start(ctx, "agent.step")
	defer span.End()
	span.SetAttributes(attribute.String("step.id", stepID))
	stepStarted(ctx, a.Name())

	msg := a.newStepMessage(ctx, st)
	res.msg = msg
	defer func() {
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, core.Phase(res.err))
		}
	}()

	out, err := a.engine.Invoke(ctx, engine.Request{
		Agent:    a,
		Context:  st.actx,
		Received: st.received,
		Step:     msg,
		StepID:   stepID,
		History:  a.memory,
	})
	if err != nil {
		res.err = err
		return res
	}
	engineOK()
	msg.ModelName = out.ModelName
	msg.Thinking = out.Thinking
	msg.Content = out.Content
	msg.SystemPrompt = out.SystemPrompt
	msg.UserPrompt = out.UserPrompt

	if a.confirm != nil && a.confirm(ctx, st.received, out) {
		reply, err := a.requestConfirmation(ctx, st, msg)
		res.reply, res.confirming, res.err = reply, true, err
		return res
	}

	if out.Answer != "" {
		if len(out.Actions) > 0 {
			a.logger.Printf("[%s] step %s returned an answer and %d actions; delivering both", st.actx.ConvID, stepID, len(out.Actions))
		}
		reply, err := a.deliverAnswer(ctx, st, msg, out.Answer)
		if err != nil {
			res.err = err
			return res
		}
		res.reply = reply
		if len(out.Actions) > 0 {
			msg = a.newStepMessage(ctx, st)
			res.msg = msg
		}
	}

	if len(out.Actions) > 0 {
		terminal, err := a.runActions(ctx, st, msg, stepID, out)
		if err != nil {
			res.err = err
			return res
		}
		if terminal {
			res.done = true
			if res.reply == nil {
				res.reply = msg
			}
		}
	}
	if out.Done {
		res.done = true
	}
	return res
}

func (a *Agent) agentContext(received *core.Message) core.AgentContext {
	actx := core.AgentContext{
		ConvID:        received.ConvID,
		ConvSessionID: core.SessionFromConv(received.ConvID),
		AgentName:     a.Name(),
		Language:      a.cfg.Language,
		Extra:         map[string]interface{}{},
	}
	for k, v := range received.Context {
		actx.Extra[k] = v
	}
	if trace, ok := received.Context["trace_id"].(string); ok {
		actx.TraceID = trace
	}
	return actx
}

// receivedActionID is the goal id of received, else the last "_" segment of
// its conversation id.
func receivedActionID(received *core.Message) string {
	if received.GoalID != "" {
		return received.GoalID
	}
	conv := received.ConvID
	if idx := strings.LastIndex(conv, "_"); idx >= 0 {
		return conv[idx+1:]
	}
	return conv
}

func (a *Agent) newStepMessage(ctx context.Context, st *loopState) *core.Message {
	return &core.Message{
		MessageID:    core.NewMessageID(),
		ConvID:       st.received.ConvID,
		Rounds:       a.memory.NextMessageRounds(ctx, st.received.ConvID),
		GoalID:       st.received.GoalID,
		Sender:       a.Name(),
		Receiver:     a.Name(),
		Role:         core.RoleAI,
		CurrentGoal:  st.received.CurrentGoal,
		ResourceInfo: st.received.ResourceInfo,
		Context:      copyMap(st.received.Context),
	}
}

func (a *Agent) upstream(st *loopState) string {
	if st.sender != nil {
		return st.sender.Name()
	}
	return core.UserName
}

func (a *Agent) requestConfirmation(ctx context.Context, st *loopState, msg *core.Message) (*core.Message, error) {
	extra := copyMap(st.received.Context)
	extra["title"] = titleConfirm
	msg.Receiver = a.upstream(st)
	msg.Report = &core.ActionOutput{
		Success:     true,
		ActionID:    st.rid + "-confirm",
		Content:     titleConfirm,
		Action:      a.Name(),
		ActionName:  ActionUserConfirm,
		ActionInput: st.received.Content,
		Extra:       extra,
		View:        vis.Confirm(st.rid+"-confirm", titleConfirm, msg.Content, nil),
	}
	if err := a.memory.AppendMessage(ctx, st.actx.ConvID, msg); err != nil {
		return msg, fmt.Errorf("record confirmation: %w", err)
	}
	return msg, nil
}

// deliverAnswer sends the answer upstream, then attaches the tool results it
// cites as evidence.
func (a *Agent) deliverAnswer(ctx context.Context, st *loopState, msg *core.Message, answer string) (*core.Message, error) {
	citations := ParseCitations(answer)
	text := StripCitations(answer)
	extra := copyMap(st.received.Context)
	extra["title"] = titleAnswer
	msg.Receiver = a.upstream(st)
	msg.Report = &core.ActionOutput{
		Success:     true,
		ActionID:    st.rid + "-answer",
		Content:     text,
		View:        vis.Text(st.rid+"-answer", text),
		ModelView:   text,
		Action:      a.Name(),
		ActionName:  action.NameAgent,
		ActionInput: st.received.Content,
		Extra:       extra,
	}
	if err := a.memory.AppendMessage(ctx, st.actx.ConvID, msg); err != nil {
		return nil, core.ActionError{Action: action.NameAgent, ActionID: msg.Report.ActionID, Err: err}
	}
	if len(citations) > 0 {
		a.attachEvidence(ctx, st, msg, citations)
	}
	return msg, nil
}

// attachEvidence flattens the reports of every cited message, keeps the tool
// results and re-pushes msg with them. Unknown ids are skipped.
func (a *Agent) attachEvidence(ctx context.Context, st *loopState, msg *core.Message, citations []Citation) {
	var evidence []*core.ActionOutput
	for _, c := range citations {
		cited, ok, err := a.memory.Message(ctx, st.actx.ConvID, c.MessageID)
		if err != nil {
			a.logger.Printf("[%s] lookup cited message %s: %v", st.actx.ConvID, c.MessageID, err)
			continue
		}
		if !ok || cited.Report == nil {
			continue
		}
		for _, r := range action.ParseReports(cited.Report) {
			act, err := a.actions.Decode(r)
			if err != nil || act.Name() != action.NameTool {
				continue
			}
			ev := r.Clone()
			if c.Intention != "" {
				ev.Intention = c.Intention
			}
			evidence = append(evidence, ev)
		}
	}
	if len(evidence) == 0 {
		return
	}
	report := msg.Report
	report.Extra["evidence"] = evidence
	report.View = report.View + "\n" + vis.Steps(report.ActionID+"-evidence", "", evidence, -1)
	if err := a.memory.AppendMessage(ctx, st.actx.ConvID, msg); err != nil {
		a.logger.Printf("[%s] record answer evidence: %v", st.actx.ConvID, err)
	}
}

// runActions executes the actions of a step one by one, re-pushing the step
// view after each. It reports whether a terminal tool ran.
func (a *Agent) runActions(ctx context.Context, st *loopState, msg *core.Message, stepID string, out *engine.Output) (bool, error) {
	reports := make([]*core.ActionOutput, len(out.Actions))
	for i, act := range out.Actions {
		reports[i] = &core.ActionOutput{
			Action:      act.Target(),
			ActionName:  act.Name(),
			ActionInput: act.Input(),
			ActionID:    fmt.Sprintf("%s.%d", stepID, i+1),
			Intention:   act.Intention(),
			Reason:      act.Reason(),
		}
	}
	stepReport := &core.ActionOutput{
		ActionID: stepID,
		Thoughts: out.Reason,
		Extra:    map[string]interface{}{"title": out.PlansBriefDescription},
	}
	msg.Receiver = a.Name()
	msg.Report = stepReport
	publish := func(running int) error {
		stepReport.Content = action.EncodeReports(reports)
		stepReport.View = vis.Steps(stepID, out.Reason, reports, running)
		if err := a.memory.AppendMessage(ctx, st.actx.ConvID, msg); err != nil {
			return core.ActionError{Action: "step", ActionID: stepID, Err: err}
		}
		return nil
	}
	if err := publish(0); err != nil {
		return false, err
	}

	env := action.Env{
		Sender:   a,
		Peers:    a.peers,
		Memory:   a.memory,
		Context:  st.actx,
		Received: st.received,
		MaxDepth: a.cfg.MaxDelegationDepth,
	}
	terminal := false
	allOK := true
	for i, act := range out.Actions {
		env.ActionID = reports[i].ActionID
		r, err := action.Execute(ctx, act, env)
		if err != nil {
			return false, err
		}
		fillReport(r, reports[i])
		r.ModelView = action.ModelView(r)
		reports[i] = r
		allOK = allOK && r.Success
		if act.Name() == action.NameAgent {
			a.recordPlan(ctx, st, msg.Rounds, stepID, i, r)
		}
		if r.IsTerminal {
			terminal = true
		}
		running := i + 1
		if running >= len(reports) {
			running = -1
		}
		if err := publish(running); err != nil {
			return false, err
		}
	}
	stepReport.Success = allOK
	stepReport.IsTerminal = terminal
	if terminal || !allOK {
		if err := publish(-1); err != nil {
			return false, err
		}
	}
	return terminal, nil
}

// recordPlan keeps the lineage of one delegated sub-task.
func (a *Agent) recordPlan(ctx context.Context, st *loopState, round int, stepID string, idx int, r *core.ActionOutput) {
	state := vis.StatusComplete
	if !r.Success {
		state = vis.StatusFailed
	}
	plan := core.Plan{
		ConvID:         st.actx.ConvID,
		ConvRound:      round,
		SubTaskNum:     idx + 1,
		SubTaskID:      r.ActionID,
		TaskUID:        stepID,
		SubTaskTitle:   r.Intention,
		SubTaskContent: r.ActionInput,
		SubTaskAgent:   r.Action,
		State:          state,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.memory.AppendPlans(ctx, st.actx.ConvID, []core.Plan{plan}); err != nil {
		a.logger.Printf("[%s] record plan %s: %v", st.actx.ConvID, r.ActionID, err)
	}
}

// fillReport copies identity fields from the placeholder into r where r left them empty.
func fillReport(r, placeholder *core.ActionOutput) {
	if r.ActionID == "" {
		r.ActionID = placeholder.ActionID
	}
	if r.Action == "" {
		r.Action = placeholder.Action
	}
	if r.ActionName == "" {
		r.ActionName = placeholder.ActionName
	}
	if r.ActionInput == "" {
		r.ActionInput = placeholder.ActionInput
	}
	if r.Intention == "" {
		r.Intention = placeholder.Intention
	}
	if r.Reason == "" {
		r.Reason = placeholder.Reason
	}
}

// reportFailure records the diagnostic of a failed step. A step message that
// already carries action reports is left as is and a new message is used.
func (a *Agent) reportFailure(ctx context.Context, st *loopState, msg *core.Message, stepID string, err error, retrying bool) {
	if msg == nil || msg.Report != nil {
		msg = a.newStepMessage(ctx, st)
	}
	content := fmt.Sprintf("%s failed: %v", core.Phase(err), err)
	if retrying {
		content += "\nretrying"
	}
	msg.Receiver = a.Name()
	msg.Report = &core.ActionOutput{
		ActionID: stepID,
		Content:  content,
		View:     vis.Text(stepID+"-exception", content),
		Extra:    map[string]interface{}{"title": titleException},
	}
	a.logger.Printf("[%s] agent %s step %s: %s", st.actx.ConvID, a.Name(), stepID, content)
	if appendErr := a.memory.AppendMessage(ctx, st.actx.ConvID, msg); appendErr != nil {
		a.logger.Printf("[%s] record step failure: %v", st.actx.ConvID, appendErr)
	}
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

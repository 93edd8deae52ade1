package team

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/capability"
	"github.com/mohammad-safakhou/reasoner/internal/knowledge"
	"github.com/mohammad-safakhou/reasoner/internal/memory"
	"github.com/mohammad-safakhou/reasoner/internal/tools"
)

const teamYAML = `
entry: lead
agents:
  - name: lead
    description: plans and answers
    model: test-model
    tools: [terminate]
    knowledge: [docs]
    peers: [researcher]
    prompt_template: "Task: {{.query}}\n{{.ability}}"
  - name: researcher
    description: digs up facts
    model: test-model
    hidden: true
    max_steps: 5
`

// queueLLM returns its replies in order, per agent model prompt.
type queueLLM struct {
	mu      sync.Mutex
	replies []string
	prompts []string
}

func (q *queueLLM) Chat(ctx context.Context, model string, messages []core.ModelMessage, options map[string]interface{}) (core.ChatResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prompts = append(q.prompts, messages[len(messages)-1].Content)
	if len(q.replies) == 0 {
		return core.ChatResult{}, errors.New("no reply scripted")
	}
	r := q.replies[0]
	q.replies = q.replies[1:]
	return core.ChatResult{Content: r, Model: model}, nil
}

func (q *queueLLM) GetModelInfo(model string) (core.ModelInfo, error) {
	return core.ModelInfo{Name: model}, nil
}

func testDeps(t *testing.T, llm core.LLMProvider) Deps {
	t.Helper()
	reg, err := capability.NewRegistry([]capability.ToolCard{tools.TerminateCard()}, "", nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pack := tools.NewPack("builtin", reg)
	if err := pack.Register("terminate", tools.TerminateHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	idx, err := knowledge.NewIndex("", 3)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	if _, err := idx.AddDocument(knowledge.Pack{ID: "docs", Name: "Docs", Description: "product docs"}, "intro", "intro.md", "The reasoner answers questions."); err != nil {
		t.Fatalf("add document: %v", err)
	}
	return Deps{
		LLM:       llm,
		Memory:    memory.New(nil, nil),
		Tools:     pack,
		Knowledge: idx,
		Loop:      config.AgentConfig{RetryBackoff: time.Millisecond},
		Language:  "en",
		Retention: time.Minute,
		Logger:    log.New(io.Discard, "", 0),
	}
}

func TestParseSpecValidation(t *testing.T) {
	cases := map[string]string{
		"no agents":     `agents: []`,
		"missing name":  "agents:\n  - description: x",
		"duplicate":     "agents:\n  - name: a\n  - name: a",
		"unknown peer":  "agents:\n  - name: a\n    peers: [b]",
		"unknown entry": "entry: z\nagents:\n  - name: a",
		"reserved":      "agents:\n  - name: User",
	}
	for name, raw := range cases {
		if _, err := ParseSpec([]byte(raw)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
	spec, err := ParseSpec([]byte("agents:\n  - name: solo\n    engine: DEFAULT_REASONING_ENGINE"))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if spec.Entry != "solo" || spec.Agents[0].Engine != "DEFAULT_REASONING_ENGINE" {
		t.Fatalf("unexpected spec %+v", spec)
	}
}

func TestBuildWiresAbilities(t *testing.T) {
	spec, err := ParseSpec([]byte(teamYAML))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	tm, err := Build(spec, testDeps(t, &queueLLM{}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := strings.Join(tm.Names(), ","); got != "lead,researcher" {
		t.Fatalf("unexpected names %s", got)
	}
	var names []string
	for _, a := range tm.Entry().Abilities() {
		names = append(names, a.Name())
	}
	if strings.Join(names, ",") != "researcher,terminate,knowledge_retrieve" {
		t.Fatalf("unexpected abilities %v", names)
	}
	researcher, _ := tm.Agent("researcher")
	if researcher.ShowMessage() || len(researcher.Abilities()) != 0 {
		t.Fatalf("researcher should be hidden and ability-less")
	}
}

func TestBuildRejectsUnboundTool(t *testing.T) {
	spec, err := ParseSpec([]byte("agents:\n  - name: a\n    tools: [web_fetch]"))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if _, err := Build(spec, testDeps(t, &queueLLM{})); err == nil {
		t.Fatalf("expected unbound tool error")
	}
	spec, _ = ParseSpec([]byte("agents:\n  - name: a\n    knowledge: [missing]"))
	if _, err := Build(spec, testDeps(t, &queueLLM{})); err == nil {
		t.Fatalf("expected unknown pack error")
	}
}

func TestRunAnswersThroughEntryAgent(t *testing.T) {
	spec, _ := ParseSpec([]byte(teamYAML))
	llm := &queueLLM{replies: []string{`{"status":"done","answer":"hello"}`}}
	deps := testDeps(t, llm)
	tm, err := Build(spec, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reply, convID, err := tm.Run(context.Background(), Request{Query: "say hello", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if convID != "s1_1" || reply.Report.Content != "hello" {
		t.Fatalf("unexpected reply %s %+v", convID, reply.Report)
	}
	if !strings.HasPrefix(llm.prompts[0], "Task: say hello\n") || !strings.Contains(llm.prompts[0], "**id**: terminate") {
		t.Fatalf("agent prompt template not applied:\n%s", llm.prompts[0])
	}
	msgs, _ := deps.Memory.GetMessages(context.Background(), convID)
	if len(msgs) != 2 || msgs[0].Sender != core.UserName || msgs[0].Receiver != "lead" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestStartStreamsUntilDone(t *testing.T) {
	spec, _ := ParseSpec([]byte(teamYAML))
	llm := &queueLLM{replies: []string{`{"status":"done","answer":"background"}`}}
	deps := testDeps(t, llm)
	tm, err := Build(spec, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	convID, err := tm.Start(ctx, Request{Query: "go"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, err := deps.Memory.ChatMessages(ctx, convID)
	if err != nil {
		t.Fatalf("ChatMessages: %v", err)
	}
	var last string
	for item := range ch {
		last = item
	}
	if ctx.Err() != nil {
		t.Fatalf("stream did not finish: %v", ctx.Err())
	}
	if !strings.Contains(last, "background") {
		t.Fatalf("last snapshot should hold the answer, got %q", last)
	}
	if deps.Memory.Active(convID) {
		t.Fatalf("conversation should be completed")
	}
	if _, err := tm.Start(ctx, Request{Query: " "}); err == nil {
		t.Fatalf("empty query must be rejected")
	}
	if _, err := tm.Start(ctx, Request{Query: "x", Agent: "ghost"}); !errors.Is(err, core.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestRunReleasesFinishedConversation(t *testing.T) {
	spec, _ := ParseSpec([]byte(teamYAML))
	llm := &queueLLM{replies: []string{`{"status":"done","answer":"hello"}`}}
	deps := testDeps(t, llm)
	deps.Retention = 0
	tm, err := Build(spec, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	_, convID, err := tm.Run(context.Background(), Request{Query: "say hello", SessionID: "s2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := deps.Memory.ChatMessages(context.Background(), convID); err == nil {
		t.Fatalf("finished conversation should be released from memory")
	}
	msgs, err := deps.Memory.GetMessages(context.Background(), convID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("stored messages should remain readable: %v %d", err, len(msgs))
	}
}

func TestStartReleasesAfterRetention(t *testing.T) {
	spec, _ := ParseSpec([]byte(teamYAML))
	llm := &queueLLM{replies: []string{`{"status":"done","answer":"later"}`}}
	deps := testDeps(t, llm)
	deps.Retention = 20 * time.Millisecond
	tm, err := Build(spec, deps)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	convID, err := tm.Start(ctx, Request{Query: "go"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, err := deps.Memory.ChatMessages(ctx, convID)
	if err != nil {
		t.Fatalf("ChatMessages: %v", err)
	}
	for range ch {
	}
	for {
		if _, err := deps.Memory.ChatMessages(ctx, convID); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("conversation was never released")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPrepareRejectsConcurrentRound(t *testing.T) {
	spec, _ := ParseSpec([]byte(teamYAML))
	tm, err := Build(spec, testDeps(t, &queueLLM{}))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	opened, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := tm.Prepare(context.Background(), Request{Query: "q", SessionID: "dup"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				opened++
			case errors.Is(err, ErrConversationRunning):
				rejected++
			}
		}()
	}
	wg.Wait()
	if opened != 1 || rejected != 7 {
		t.Fatalf("expected one open and seven rejections, got %d and %d", opened, rejected)
	}
}

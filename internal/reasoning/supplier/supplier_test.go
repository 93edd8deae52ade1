package supplier

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/ability"
	"github.com/mohammad-safakhou/reasoner/internal/reasoning/action"
)

type stubAgent struct {
	abilities []ability.Ability
	ctxLen    int
}

func (a stubAgent) Name() string                 { return "lead" }
func (a stubAgent) Abilities() []ability.Ability { return a.abilities }
func (a stubAgent) ContextLength() int           { return a.ctxLen }

type stubHistory struct {
	msgs []*core.Message
	err  error
}

func (h stubHistory) GetMessages(ctx context.Context, convID string) ([]*core.Message, error) {
	return h.msgs, h.err
}

func counting(name, key, value string, calls *int, err error) Supplier {
	return Func{SupplierName: name, Key: key, Fn: func(ctx context.Context, params map[string]interface{}, in Input) error {
		*calls++
		if err != nil {
			params[key] = "partial"
			return err
		}
		params[key] = value
		return nil
	}}
}

func TestCollectFirstSupplierWins(t *testing.T) {
	var first, second int
	r := NewRegistry()
	if err := r.Register(counting("custom", "query", "mine", &first, nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(counting("fallback", "query", "theirs", &second, nil)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	params := r.Collect(context.Background(), []string{"custom", "fallback", "missing"}, Input{}, nil)
	if params["query"] != "mine" {
		t.Fatalf("expected first supplier value, got %v", params["query"])
	}
	if first != 1 || second != 0 {
		t.Fatalf("second supplier must not run: first=%d second=%d", first, second)
	}
}

func TestCollectNoOpStillClaimsKey(t *testing.T) {
	var calls int
	r := NewRegistry()
	_ = r.Register(Func{SupplierName: "noop", Key: "knowledge", Fn: func(context.Context, map[string]interface{}, Input) error { return nil }})
	_ = r.Register(counting("later", "knowledge", "x", &calls, nil))
	params := r.Collect(context.Background(), []string{"noop", "later"}, Input{}, nil)
	if _, ok := params["knowledge"]; ok || calls != 0 {
		t.Fatalf("no-op supplier should claim the key: %v calls=%d", params, calls)
	}
}

func TestCollectSkipsFailingSupplier(t *testing.T) {
	var bad, good, other int
	r := NewRegistry()
	_ = r.Register(counting("bad", "history", "", &bad, errors.New("store down")))
	_ = r.Register(counting("good", "history", "recovered", &good, nil))
	_ = r.Register(counting("other", "now", "t", &other, nil))
	params := r.Collect(context.Background(), []string{"bad", "other", "good"}, Input{}, nil)
	if params["history"] != "recovered" || params["now"] != "t" {
		t.Fatalf("unexpected params %v", params)
	}
	if bad != 1 || good != 1 || other != 1 {
		t.Fatalf("unexpected calls bad=%d good=%d other=%d", bad, good, other)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := Defaults()
	if len(r.Names()) != len(DefaultOrder) {
		t.Fatalf("expected %d built-ins, got %v", len(DefaultOrder), r.Names())
	}
	if err := r.Register(Func{SupplierName: QueryName, Key: "query"}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if _, err := r.MustGet("nope"); !errors.Is(err, ErrSupplierNotFound) {
		t.Fatalf("expected ErrSupplierNotFound, got %v", err)
	}
}

func TestTrimHistoryIsIdempotent(t *testing.T) {
	items := []string{strings.Repeat("a", 40), strings.Repeat("b", 30), strings.Repeat("c", 20), strings.Repeat("d", 10)}
	evicted, kept := TrimHistory(items, 65)
	if evicted != 1 || len(kept) != 3 || kept[0] != items[1] {
		t.Fatalf("unexpected trim: evicted=%d kept=%v", evicted, kept)
	}
	again, kept2 := TrimHistory(kept, 65)
	if again != 0 || len(kept2) != len(kept) {
		t.Fatalf("second trim changed the list: evicted=%d kept=%v", again, kept2)
	}
	for i := range kept {
		if kept[i] != kept2[i] {
			t.Fatalf("item %d changed", i)
		}
	}

	huge := []string{"x", strings.Repeat("y", 100)}
	evicted, kept = TrimHistory(huge, 10)
	if evicted != 1 || len(kept) != 1 {
		t.Fatalf("newest item must survive: evicted=%d kept=%v", evicted, kept)
	}
	if again, _ := TrimHistory(kept, 10); again != 0 {
		t.Fatalf("trim of a single item must evict nothing")
	}
}

func TestDefaultsFillPrompt(t *testing.T) {
	step := &core.ActionOutput{
		ActionID: "1-1",
		Content: action.EncodeReports([]*core.ActionOutput{
			{ActionID: "1-1.1", ActionName: action.NameTool, Action: "web_fetch", ActionInput: `{"url":"u"}`, Content: "page text"},
			{ActionID: "1-1.2", ActionName: action.NameAgent, Action: "writer", Content: "deadbeef"},
			{ActionID: "1-1.3", ActionName: action.NameTool, Action: "empty"},
		}),
	}
	answer := &core.ActionOutput{ActionID: "1-answer", ActionName: action.NameAgent, Action: "writer", Content: "final"}
	hist := stubHistory{msgs: []*core.Message{
		{MessageID: "m1", Sender: "lead", Report: step},
		{MessageID: "m2", Sender: "writer", Report: answer},
		{MessageID: "m3", Sender: "User", Content: "hi"},
	}}
	in := Input{
		Agent:    stubAgent{abilities: []ability.Ability{ability.FromTool(nil, "web_fetch", "fetch")}},
		Context:  core.AgentContext{ConvID: "c_1"},
		Received: &core.Message{Content: "what happened?"},
		History:  hist,
	}
	params := Defaults().Collect(context.Background(), DefaultOrder, in, nil)

	if params["query"] != "what happened?" || params["agent_name"] != "lead" {
		t.Fatalf("unexpected params %v", params)
	}
	if _, ok := params["knowledge"]; ok {
		t.Fatalf("knowledge supplier should leave the key absent")
	}
	history := params["history"].(string)
	if !strings.Contains(history, "message_id: m1\naction_id: 1-1.1\naction_handler: lead\naction_name: ToolAction\naction: web_fetch") {
		t.Fatalf("unexpected history %q", history)
	}
	if strings.Contains(history, "deadbeef") || strings.Contains(history, "action: empty") {
		t.Fatalf("delegation and empty reports must be skipped: %q", history)
	}
	if !strings.Contains(history, "action_output: final") {
		t.Fatalf("answer reports must be kept: %q", history)
	}
	index := params["index_history"].(string)
	if strings.Contains(index, "message_id") || !strings.Contains(index, "action_id: 1-answer") {
		t.Fatalf("unexpected index history %q", index)
	}
	if !strings.Contains(params["ability"].(string), "**id**: web_fetch") {
		t.Fatalf("unexpected ability %v", params["ability"])
	}
	if !strings.Contains(params["index_output_schema"].(string), "<message_id>:") {
		t.Fatalf("index schema missing citation convention")
	}
}

func TestHistoryEvictionNotice(t *testing.T) {
	var msgs []*core.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, &core.Message{MessageID: "m", Report: &core.ActionOutput{ActionName: action.NameTool, Content: strings.Repeat("z", 50)}})
	}
	h := HistorySupplier{SupplierName: "h", Key: "history", Reserve: 0}
	params := map[string]interface{}{}
	err := h.Supply(context.Background(), params, Input{Agent: stubAgent{ctxLen: 200}, History: stubHistory{msgs: msgs}})
	if err != nil {
		t.Fatalf("Supply: %v", err)
	}
	got := params["history"].(string)
	if !strings.HasPrefix(got, "due to length limits, 3 earliest history items were removed") {
		t.Fatalf("unexpected history %q", got)
	}
}

func TestHistoryKeepsListToolResult(t *testing.T) {
	hits := `[{"title":"Go 1.24 released","url":"https://go.dev"}]`
	tool := &core.ActionOutput{ActionID: "1-1", ActionName: action.NameTool, Action: "search", Content: hits, Success: true}
	step := &core.Message{MessageID: "m1", Sender: "lead", Report: &core.ActionOutput{ActionID: "1", Content: action.EncodeReports([]*core.ActionOutput{tool})}}

	h := HistorySupplier{SupplierName: "h", Key: "history"}
	params := map[string]interface{}{}
	if err := h.Supply(context.Background(), params, Input{Agent: stubAgent{}, History: stubHistory{msgs: []*core.Message{step}}}); err != nil {
		t.Fatalf("Supply: %v", err)
	}
	got, _ := params["history"].(string)
	if !strings.Contains(got, "action_output: "+hits) || !strings.Contains(got, "action: search") {
		t.Fatalf("tool result missing from history: %q", got)
	}
}

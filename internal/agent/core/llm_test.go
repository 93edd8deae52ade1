package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mohammad-safakhou/reasoner/config"
)

func chatServer(t *testing.T, failures int32, reply string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-test-2025" {
			t.Errorf("unexpected api model %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("unexpected roles %+v", req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-test-2025",
			"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": reply}, "finish_reason": "stop"}},
			"usage":   map[string]int{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testProvider(baseURL string, retries int) *OpenAIProvider {
	p := NewOpenAIProvider("test", config.LLMProvider{
		APIKey:     "sk-test",
		BaseURL:    baseURL,
		MaxRetries: retries,
		Models: map[string]config.LLMModel{
			"reasoner": {Name: "reasoner", APIName: "gpt-test-2025", MaxTokens: 256, CostPer1K: 1, CostPer1KOutput: 2},
		},
	})
	p.backoff = 0
	return p
}

var twoMessages = []ModelMessage{{Role: RoleSystem, Content: "sys"}, {Role: RoleHuman, Content: "hi"}}

func TestOpenAIProviderChatSplitsThinking(t *testing.T) {
	srv, _ := chatServer(t, 0, "<think>plan it</think>\n{\"answer\":1}")
	p := testProvider(srv.URL, 0)

	res, err := p.Chat(context.Background(), "reasoner", twoMessages, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Thinking != "plan it" || res.Content != `{"answer":1}` {
		t.Fatalf("unexpected split thinking=%q content=%q", res.Thinking, res.Content)
	}
	if res.InputTokens != 12 || res.OutputTokens != 5 || res.Model != "gpt-test-2025" {
		t.Fatalf("unexpected usage %+v", res)
	}
}

func TestOpenAIProviderRetriesServerErrors(t *testing.T) {
	srv, calls := chatServer(t, 2, "ok")
	p := testProvider(srv.URL, 2)

	res, err := p.Chat(context.Background(), "reasoner", twoMessages, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "ok" || atomic.LoadInt32(calls) != 3 {
		t.Fatalf("expected success on third call, got %q after %d calls", res.Content, atomic.LoadInt32(calls))
	}
}

func TestOpenAIProviderGivesUp(t *testing.T) {
	srv, calls := chatServer(t, 5, "ok")
	p := testProvider(srv.URL, 1)

	if _, err := p.Chat(context.Background(), "reasoner", twoMessages, nil); err == nil {
		t.Fatalf("expected error after retries")
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", atomic.LoadInt32(calls))
	}
}

func TestOpenAIProviderUnknownModel(t *testing.T) {
	p := testProvider("http://127.0.0.1:0", 0)
	if _, err := p.Chat(context.Background(), "missing", twoMessages, nil); err == nil {
		t.Fatalf("expected error for unconfigured model")
	}
	if _, err := p.GetModelInfo("missing"); err == nil {
		t.Fatalf("expected GetModelInfo error")
	}
	info, err := p.GetModelInfo("reasoner")
	if err != nil || info.ContextLength != DefaultContextLength {
		t.Fatalf("unexpected model info %+v err=%v", info, err)
	}
	if cost := p.CalculateCost(1000, 1000, "reasoner"); cost != 3 {
		t.Fatalf("expected cost 3, got %v", cost)
	}
}

func TestNewLLMProviderRejectsUnknownType(t *testing.T) {
	if _, err := NewLLMProvider(config.LLMConfig{}); err == nil {
		t.Fatalf("expected error without providers")
	}
	_, err := NewLLMProvider(config.LLMConfig{Providers: map[string]config.LLMProvider{"x": {Type: "anthropic"}}})
	if err == nil {
		t.Fatalf("expected unsupported type error")
	}
}

func TestPhaseClassifiesErrors(t *testing.T) {
	if got := Phase(EngineError{Engine: "default", Err: ErrNoJSON}); got != "task decomposition" {
		t.Fatalf("expected decomposition phase, got %q", got)
	}
	if got := Phase(ActionError{Action: "tool", Err: errors.New("boom")}); got != "action execution" {
		t.Fatalf("expected action phase, got %q", got)
	}
	ctx := WithDelegationDepth(context.Background(), 3)
	if DelegationDepth(ctx) != 3 || DelegationDepth(context.Background()) != 0 {
		t.Fatalf("delegation depth not carried by context")
	}
}

func TestSessionFromConv(t *testing.T) {
	if got := SessionFromConv("abc_def_3"); got != "abc_def" {
		t.Fatalf("unexpected session %q", got)
	}
	if got := SessionFromConv("plain"); got != "plain" {
		t.Fatalf("unexpected session %q", got)
	}
}

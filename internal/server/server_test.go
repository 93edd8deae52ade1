package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
	"github.com/mohammad-safakhou/reasoner/internal/memory"
	"github.com/mohammad-safakhou/reasoner/internal/runtime"
	"github.com/mohammad-safakhou/reasoner/internal/store"
	"github.com/mohammad-safakhou/reasoner/internal/team"
)

var testSecret = []byte("test-secret")

type stubTeam struct {
	got team.Request
	err error
}

func (s *stubTeam) Start(ctx context.Context, req team.Request) (string, error) {
	s.got = req
	if s.err != nil {
		return "", s.err
	}
	return team.ConvID("abc", req.Round), nil
}

func (s *stubTeam) Names() []string { return []string{"lead", "worker"} }

type stubLister struct{}

func (stubLister) ListConversations(ctx context.Context, limit int) ([]store.ConversationSummary, error) {
	return []store.ConversationSummary{{ConvID: "abc_1", SessionID: "abc", Messages: 3, Goal: "q"}}, nil
}

type stubTailer struct{ snaps []string }

func (s stubTailer) Exists(ctx context.Context, convID string) (bool, error) {
	return convID == "remote_1", nil
}

func (s stubTailer) Tail(ctx context.Context, convID string) <-chan string {
	ch := make(chan string, len(s.snaps))
	for _, v := range s.snaps {
		ch <- v
	}
	close(ch)
	return ch
}

func newTestServer(t *testing.T, tm *stubTeam, mem *memory.GptsMemory, opts ...func(*Options)) *echo.Echo {
	t.Helper()
	hash, err := runtime.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	cfg := &config.Config{}
	cfg.Server.Users = map[string]string{"alice": hash}
	cfg.Server.StreamHeartbeat = time.Hour
	o := Options{Config: cfg, Secret: testSecret, Team: tm, Memory: mem}
	for _, fn := range opts {
		fn(&o)
	}
	e, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func authed(t *testing.T, method, target, body string) *http.Request {
	t.Helper()
	tok, err := runtime.SignJWT("alice", testSecret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req
}

func TestLogin(t *testing.T) {
	e := newTestServer(t, &stubTeam{}, memory.New(nil, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"user":"alice","password":"wrong"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"user":"alice","password":"correct-horse"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var tok TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sub, err := runtime.VerifyJWT(tok.Token, testSecret); err != nil || sub != "alice" {
		t.Fatalf("issued token invalid: %q %v", sub, err)
	}
}

func TestCreateConversation(t *testing.T) {
	tm := &stubTeam{}
	e := newTestServer(t, tm, memory.New(nil, nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/conversations", strings.NewReader(`{"query":"hi"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodPost, "/api/conversations", `{"query":"what is x?","agent":"lead","round":2}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp CreateConversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConvID != "abc_2" || resp.SessionID != "abc" || resp.StreamURL != "/api/conversations/abc_2/stream" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if tm.got.Query != "what is x?" || tm.got.Agent != "lead" || tm.got.Context["user_id"] != "alice" {
		t.Fatalf("unexpected team request %+v", tm.got)
	}
}

func TestCreateConversationErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{team.ErrEmptyQuery, http.StatusBadRequest},
		{core.ErrAgentNotFound, http.StatusNotFound},
		{team.ErrConversationRunning, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := newTestServer(t, &stubTeam{err: tc.err}, memory.New(nil, nil))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, authed(t, http.MethodPost, "/api/conversations", `{"query":"q"}`))
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
	}
}

func TestListConversations(t *testing.T) {
	e := newTestServer(t, &stubTeam{}, memory.New(nil, nil))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations", ""))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without storage, got %d", rec.Code)
	}

	e = newTestServer(t, &stubTeam{}, memory.New(nil, nil), func(o *Options) { o.Lister = stubLister{} })
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations?limit=5", ""))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"conv_id":"abc_1"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func seedConversation(t *testing.T, mem *memory.GptsMemory, convID string) {
	t.Helper()
	ctx := context.Background()
	mem.Init(convID, nil, 0)
	msg := &core.Message{
		MessageID: core.NewMessageID(),
		Rounds:    mem.NextMessageRounds(ctx, convID),
		Sender:    "lead",
		Receiver:  core.UserName,
		Role:      core.RoleAI,
		Content:   "the answer",
		Report:    &core.ActionOutput{ActionID: "1-answer", Content: "the answer", View: "the answer", Success: true},
	}
	if err := mem.AppendMessage(ctx, convID, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := mem.AppendPlans(ctx, convID, []core.Plan{{ConvID: convID, SubTaskID: "1-1.1", SubTaskAgent: "worker", State: "complete"}}); err != nil {
		t.Fatalf("AppendPlans: %v", err)
	}
}

func TestMessagesAndPlans(t *testing.T) {
	mem := memory.New(nil, nil)
	seedConversation(t, mem, "abc_1")
	e := newTestServer(t, &stubTeam{}, mem)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations/abc_1/messages", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("messages: %d %s", rec.Code, rec.Body.String())
	}
	var msgs MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs.Messages) != 1 || msgs.Messages[0].Content != "the answer" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations/nope_1/messages", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conversation, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations/abc_1/plans", ""))
	var plans PlansResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &plans); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(plans.Plans) != 1 || plans.Plans[0].SubTaskAgent != "worker" {
		t.Fatalf("unexpected plans %+v", plans)
	}
}

func TestStreamLiveConversation(t *testing.T) {
	mem := memory.New(nil, nil)
	seedConversation(t, mem, "abc_1")
	e := newTestServer(t, &stubTeam{}, mem)

	go func() {
		time.Sleep(20 * time.Millisecond)
		mem.Complete(context.Background(), "abc_1")
	}()
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations/abc_1/stream", ""))
	body := rec.Body.String()
	if rec.Header().Get(echo.HeaderContentType) != "text/event-stream" {
		t.Fatalf("unexpected content type %q", rec.Header().Get(echo.HeaderContentType))
	}
	if !strings.Contains(body, "event: message\ndata: ") || !strings.Contains(body, "the answer") {
		t.Fatalf("missing snapshot event: %s", body)
	}
	if !strings.HasSuffix(body, "event: done\ndata: [DONE]\n\n") {
		t.Fatalf("missing done event: %s", body)
	}
}

func TestStreamFallsBackToMirrorAndStore(t *testing.T) {
	mem := memory.New(nil, nil)
	e := newTestServer(t, &stubTeam{}, mem, func(o *Options) {
		o.Tailer = stubTailer{snaps: []string{`[{"uid":"x"}]`}}
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations/remote_1/stream", ""))
	if !strings.Contains(rec.Body.String(), `data: [{"uid":"x"}]`) {
		t.Fatalf("expected mirrored snapshot, got %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations/missing_1/stream", ""))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	seedConversation(t, mem, "done_1")
	mem.Complete(context.Background(), "done_1")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/conversations/done_1/stream?token=ignored", ""))
	if !strings.Contains(rec.Body.String(), "the answer") || !strings.Contains(rec.Body.String(), "event: done") {
		t.Fatalf("expected stored snapshot, got %s", rec.Body.String())
	}
}

func TestAgentsAndHealth(t *testing.T) {
	e := newTestServer(t, &stubTeam{}, memory.New(nil, nil))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, authed(t, http.MethodGet, "/api/agents", ""))
	if !strings.Contains(rec.Body.String(), `"agents":["lead","worker"]`) {
		t.Fatalf("unexpected agents %s", rec.Body.String())
	}
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestDocsPageListsAgents(t *testing.T) {
	e := newTestServer(t, &stubTeam{}, memory.New(nil, nil))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/docs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("docs: %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<code>lead</code>, <code>worker</code>") || !strings.Contains(body, "POST /api/conversations") {
		t.Fatalf("docs page missing service details:\n%s", body)
	}
}

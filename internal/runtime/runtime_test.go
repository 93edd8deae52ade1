package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/reasoner/config"
	"github.com/mohammad-safakhou/reasoner/internal/tools/webfetch"
)

func TestJWTRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := SignJWT("alice", secret, time.Minute)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	sub, err := VerifyJWT(tok, secret)
	if err != nil || sub != "alice" {
		t.Fatalf("VerifyJWT = %q, %v", sub, err)
	}
	if _, err := VerifyJWT(tok, []byte("other")); err == nil {
		t.Fatalf("expected signature error")
	}
	expired, _ := SignJWT("alice", secret, -time.Minute)
	if _, err := VerifyJWT(expired, secret); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestCheckPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	users := map[string]string{"alice": hash}
	if err := CheckPassword(users, "alice", "hunter2"); err != nil {
		t.Fatalf("expected valid password: %v", err)
	}
	if err := CheckPassword(users, "alice", "nope"); err != ErrInvalidCredentials {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if err := CheckPassword(users, "bob", "hunter2"); err != ErrInvalidCredentials {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
}

func TestEchoAuthMiddleware(t *testing.T) {
	secret := []byte("s3cret")
	e := echo.New()
	e.GET("/me", func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	}, EchoAuthMiddleware(secret))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, _ := SignJWT("alice", secret, time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "alice" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me?token="+tok, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("query token should authenticate, got %d", rec.Code)
	}
}

type staticFetcher struct{}

func (staticFetcher) Fetch(ctx context.Context, url string) (webfetch.Result, error) {
	return webfetch.Result{URL: url, Text: "hello"}, nil
}

func TestBuildToolPack(t *testing.T) {
	cfg := &config.Config{}
	cfg.Capability.SigningSecret = "sign"
	cfg.Tools.WebFetch.Enabled = true
	cfg.Capability.RequiredTools = []string{"terminate"}

	pack, err := BuildToolPack(cfg, staticFetcher{})
	if err != nil {
		t.Fatalf("BuildToolPack: %v", err)
	}
	if got := strings.Join(pack.Tools(), ","); got != "terminate,web_fetch" {
		t.Fatalf("unexpected tools %s", got)
	}
	if !pack.IsTerminal("terminate") || pack.IsTerminal("web_fetch") {
		t.Fatalf("terminal flags wrong")
	}
	out, err := pack.Execute(context.Background(), "web_fetch", map[string]interface{}{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res, ok := out.(webfetch.Result); !ok || res.Text != "hello" {
		t.Fatalf("unexpected result %#v", out)
	}

	cfg.Tools.WebFetch.Enabled = false
	cfg.Capability.RequiredTools = []string{"web_fetch"}
	if _, err := BuildToolPack(cfg, nil); err == nil {
		t.Fatalf("expected missing required tool error")
	}
}

func TestTelemetryDisabled(t *testing.T) {
	tel, err := SetupTelemetry(context.Background(), config.TelemetryConfig{}, TelemetryOptions{ServiceName: "reasoner"})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	if tel.MetricsHandler() != nil {
		t.Fatalf("disabled telemetry should not expose metrics")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

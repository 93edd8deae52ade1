package webfetch

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const page = `<html><head><title>Release notes</title></head><body>
<article><h1>Release notes</h1>
<p>The reasoning loop now retries failed steps with a fixed backoff between attempts.</p>
<p>Delegation between agents is bounded by a configurable depth so chains always terminate.</p>
<p>Knowledge packs are indexed locally and searched before each answer is written.</p>
</article></body></html>`

func TestFetchExtractsText(t *testing.T) {
	f := &Chrome{MaxChars: 120, Source: func(ctx context.Context, url string) (string, error) { return page, nil }}
	res, err := f.Fetch(context.Background(), "https://example.com/notes")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Status != 200 || res.HTMLHash == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len([]rune(res.Text)) > 120 {
		t.Fatalf("text not truncated: %d", len(res.Text))
	}
	if !strings.Contains(res.Text, "reasoning loop") {
		t.Fatalf("expected article text, got %q", res.Text)
	}
}

func TestFetchRejectsBadURL(t *testing.T) {
	f := New(0, 0)
	for _, u := range []string{"", "ftp://example.com", "::"} {
		if _, err := f.Fetch(context.Background(), u); err == nil {
			t.Fatalf("expected error for %q", u)
		}
	}
}

func TestFetchReportsRenderFailure(t *testing.T) {
	f := &Chrome{Source: func(ctx context.Context, url string) (string, error) { return "", errors.New("no browser") }}
	res, err := f.Fetch(context.Background(), "https://example.com")
	if err == nil || res.Status != 599 {
		t.Fatalf("expected render failure, got %+v %v", res, err)
	}
}

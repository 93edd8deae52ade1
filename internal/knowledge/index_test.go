package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/reasoner/config"
)

func TestGetSummaryFiltersByPack(t *testing.T) {
	idx, err := NewIndex("", 3)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	defer idx.Close()

	ops := Pack{ID: "ops", Name: "Operations"}
	hr := Pack{ID: "hr", Name: "People"}
	if _, err := idx.AddDocument(ops, "restart", "restart.md", "Restart the gateway with a rolling deploy."); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if _, err := idx.AddDocument(hr, "leave", "leave.md", "The gateway office is closed on holidays."); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	sum, err := idx.GetSummary(context.Background(), "gateway", []string{"ops"})
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !strings.Contains(sum.SummaryContent, "rolling deploy") || strings.Contains(sum.SummaryContent, "holidays") {
		t.Fatalf("unexpected summary %q", sum.SummaryContent)
	}
	if len(sum.Sources) != 1 || sum.Sources[0] != "ops/restart.md" {
		t.Fatalf("unexpected sources %v", sum.Sources)
	}

	all, err := idx.GetSummary(context.Background(), "gateway", nil)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if len(all.Sources) != 2 {
		t.Fatalf("expected both packs, got %v", all.Sources)
	}

	none, err := idx.GetSummary(context.Background(), "kubernetes", nil)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if none.SummaryContent != "" {
		t.Fatalf("expected empty summary, got %q", none.SummaryContent)
	}
}

func TestLoadIndexesPackDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "runbook.md"), []byte("Rotate credentials every quarter.\n\nUse the vault CLI."), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "image.png"), []byte{0x89}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	idx, err := Load(config.KnowledgeConfig{Packs: []config.KnowledgePackConfig{{ID: "sec", Dir: dir}}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer idx.Close()
	p, ok := idx.Pack("sec")
	if !ok || p.Name != "sec" {
		t.Fatalf("pack not registered: %+v", p)
	}
	sum, err := idx.GetSummary(context.Background(), "credentials", []string{"sec"})
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if !strings.Contains(sum.SummaryContent, "vault") {
		t.Fatalf("expected runbook text, got %q", sum.SummaryContent)
	}
}

func TestSplitChunks(t *testing.T) {
	text := strings.Repeat("a", 10) + "\n\n" + strings.Repeat("b", 10) + "\n\n" + strings.Repeat("c", 25)
	chunks := splitChunks(text, 24)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %q", len(chunks), chunks)
	}
	for _, c := range chunks {
		if len(c) > 24 {
			t.Fatalf("chunk too long: %q", c)
		}
	}
}

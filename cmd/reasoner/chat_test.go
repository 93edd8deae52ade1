package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintSnapshotLatestOnly(t *testing.T) {
	snap := `[{"sender":"planner","receiver":"planner","markdown":"step one"},{"sender":"planner","receiver":"User","markdown":"42"}]`
	var buf bytes.Buffer
	if err := printSnapshot(&buf, snap, true); err != nil {
		t.Fatalf("printSnapshot: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "step one") || !strings.Contains(out, "## planner -> User\n42") {
		t.Fatalf("unexpected output %q", out)
	}

	buf.Reset()
	if err := printSnapshot(&buf, snap, false); err != nil {
		t.Fatalf("printSnapshot: %v", err)
	}
	if !strings.Contains(buf.String(), "step one") {
		t.Fatalf("full snapshot should include every entry, got %q", buf.String())
	}
}

func TestPrintSnapshotRawFallback(t *testing.T) {
	var buf bytes.Buffer
	if err := printSnapshot(&buf, "not json", true); err != nil {
		t.Fatalf("printSnapshot: %v", err)
	}
	if buf.String() != "not json\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

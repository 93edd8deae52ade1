package streams

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestBaseSchemasValidate(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("NewBaseRegistry: %v", err)
	}
	if err := reg.Validate(EventSnapshot, PayloadV1, []byte(`{"conv_id":"s_1","snapshot":"[]"}`)); err != nil {
		t.Fatalf("expected snapshot payload to validate: %v", err)
	}
	if err := reg.Validate(EventSnapshot, PayloadV1, []byte(`{"snapshot":"[]"}`)); err == nil {
		t.Fatalf("expected missing conv_id to fail")
	}
	if err := reg.Validate(EventDone, "v2", []byte(`{"conv_id":"s_1"}`)); err == nil {
		t.Fatalf("expected unknown version to fail")
	}
}

func TestPublisherRejectsInvalidPayload(t *testing.T) {
	_, client := newTestClient(t)
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("NewBaseRegistry: %v", err)
	}
	pub := NewPublisher(client, reg)
	if _, err := pub.PublishRaw(context.Background(), "s", EventDone, map[string]int{"conv_id": 1}); err == nil {
		t.Fatalf("expected schema validation error")
	}
	if _, err := pub.PublishRaw(context.Background(), "", EventDone, DonePayload{ConvID: "x"}); err == nil {
		t.Fatalf("expected stream name error")
	}
}

func TestMirrorTailRoundTrip(t *testing.T) {
	mr, client := newTestClient(t)
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("NewBaseRegistry: %v", err)
	}
	ctx := context.Background()
	mirror := NewMirror(client, reg, "conv:", 100, WithRetention(time.Minute))
	for _, snap := range []string{`[{"a":1}]`, `[{"a":2}]`} {
		if err := mirror.Publish(ctx, "sess_1", snap); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := mirror.Done(ctx, "sess_1"); err != nil {
		t.Fatalf("Done: %v", err)
	}
	if ttl := mr.TTL("conv:sess_1"); ttl != time.Minute {
		t.Fatalf("expected retention ttl, got %v", ttl)
	}

	tailer := NewTailer(client, reg, "conv:", WithBlock(10*time.Millisecond))
	ok, err := tailer.Exists(ctx, "sess_1")
	if err != nil || !ok {
		t.Fatalf("expected stream to exist: %v %v", ok, err)
	}
	var got []string
	for s := range tailer.Tail(ctx, "sess_1") {
		got = append(got, s)
	}
	if len(got) != 2 || got[1] != `[{"a":2}]` {
		t.Fatalf("unexpected snapshots %v", got)
	}
}

func TestTailStopsOnContextCancel(t *testing.T) {
	_, client := newTestClient(t)
	mirror := NewMirror(client, nil, "conv:", 0)
	ctx, cancel := context.WithCancel(context.Background())
	if err := mirror.Publish(ctx, "sess_2", "[]"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	tailer := NewTailer(client, nil, "conv:", WithBlock(10*time.Millisecond))
	ch := tailer.Tail(ctx, "sess_2")
	if s := <-ch; s != "[]" {
		t.Fatalf("unexpected first snapshot %q", s)
	}
	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatalf("expected channel to close after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("tail did not stop after cancel")
	}
}

func TestTailSkipsMalformedEntries(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "conv:sess_3", Values: map[string]interface{}{"envelope": "not json"}}).Err(); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	mirror := NewMirror(client, nil, "conv:", 0)
	if err := mirror.Publish(ctx, "sess_3", "[1]"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := mirror.Done(ctx, "sess_3"); err != nil {
		t.Fatalf("Done: %v", err)
	}
	tailer := NewTailer(client, nil, "conv:", WithBlock(10*time.Millisecond))
	var got []string
	for s := range tailer.Tail(ctx, "sess_3") {
		got = append(got, s)
	}
	if len(got) != 1 || got[0] != "[1]" {
		t.Fatalf("unexpected snapshots %v", got)
	}
}

package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message represents a consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Tailer follows conversation streams written by a Mirror.
type Tailer struct {
	client   *redis.Client
	registry *SchemaRegistry
	prefix   string
	block    time.Duration
	count    int64
	logger   *log.Logger
}

// TailOption configures a Tailer.
type TailOption func(*Tailer)

// WithBlock sets the maximum blocking duration of a single read.
func WithBlock(d time.Duration) TailOption {
	return func(t *Tailer) {
		if d > 0 {
			t.block = d
		}
	}
}

// WithCount caps the number of entries returned by a single read.
func WithCount(n int64) TailOption {
	return func(t *Tailer) {
		if n > 0 {
			t.count = n
		}
	}
}

// NewTailer builds a reader for streams named prefix+convID.
func NewTailer(client *redis.Client, registry *SchemaRegistry, prefix string, opts ...TailOption) *Tailer {
	t := &Tailer{
		client:   client,
		registry: registry,
		prefix:   prefix,
		block:    5 * time.Second,
		count:    100,
		logger:   log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Exists reports whether convID has a mirrored stream.
func (t *Tailer) Exists(ctx context.Context, convID string) (bool, error) {
	n, err := t.client.Exists(ctx, t.prefix+convID).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}

// Read returns the entries of convID after the given id ("0" for all).
// Entries that fail to decode come back with an empty envelope so callers
// still advance past them.
func (t *Tailer) Read(ctx context.Context, convID, after string) ([]Message, error) {
	stream := t.prefix + convID
	res, err := t.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, after},
		Count:   t.count,
		Block:   t.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xread: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			decoded, ok := t.decodeMessage(msg)
			if !ok {
				decoded = Message{ID: msg.ID}
			}
			out = append(out, decoded)
		}
	}
	return out, nil
}

// Tail streams the snapshots of convID, starting from the first entry, until
// the done event. The channel is closed after the done event, on a read error,
// or when ctx is done.
func (t *Tailer) Tail(ctx context.Context, convID string) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		after := "0"
		for {
			msgs, err := t.Read(ctx, convID, after)
			if err != nil {
				if ctx.Err() == nil {
					t.logger.Printf("tail %s: %v", convID, err)
				}
				return
			}
			for _, msg := range msgs {
				after = msg.ID
				if msg.Envelope.EventType == "" {
					continue
				}
				recordTail(ctx, msg.Envelope.EventType)
				switch msg.Envelope.EventType {
				case EventDone:
					return
				case EventSnapshot:
					var p SnapshotPayload
					if err := json.Unmarshal(msg.Envelope.Data, &p); err != nil {
						continue
					}
					select {
					case out <- p.Snapshot:
					case <-ctx.Done():
						return
					}
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out
}

func (t *Tailer) decodeMessage(msg redis.XMessage) (Message, bool) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Message{}, false
	}
	var bytesData []byte
	switch v := raw.(type) {
	case string:
		bytesData = []byte(v)
	case []byte:
		bytesData = v
	default:
		return Message{}, false
	}
	env, err := UnmarshalEnvelope(bytesData)
	if err != nil {
		return Message{}, false
	}
	if t.registry != nil {
		if err := t.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			t.logger.Printf("drop entry %s: %v", msg.ID, err)
			return Message{}, false
		}
	}
	return Message{ID: msg.ID, Envelope: env}, true
}

package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher wraps Redis Stream publishing with schema validation.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
}

// PublishOption allows configuring Redis XADD behaviour.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox sets an approximate max length for the stream.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

// NewPublisher creates a Publisher instance. A nil registry skips payload validation.
func NewPublisher(client *redis.Client, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

// Publish validates the envelope and appends it to the given Redis stream.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope, opts ...PublishOption) (id string, err error) {
	defer func() { recordPublish(ctx, envelope.EventType, err) }()
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if p.registry != nil {
		if err := p.registry.Validate(envelope.EventType, envelope.PayloadVersion, envelope.Data); err != nil {
			return "", err
		}
	}
	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range opts {
		opt(args)
	}
	id, err = p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// PublishRaw wraps payload in a v1 envelope before publishing.
func (p *Publisher) PublishRaw(ctx context.Context, stream, eventType string, payload interface{}, opts ...PublishOption) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return p.Publish(ctx, stream, Envelope{EventType: eventType, PayloadVersion: PayloadV1, Data: data}, opts...)
}

// Mirror copies conversation snapshots onto one Redis stream per conversation
// so other processes can tail a run they do not own.
type Mirror struct {
	pub       *Publisher
	client    *redis.Client
	prefix    string
	maxLen    int64
	retention time.Duration
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithRetention expires a conversation stream d after its done event.
func WithRetention(d time.Duration) MirrorOption {
	return func(m *Mirror) { m.retention = d }
}

// NewMirror builds a mirror writing to prefix+convID, trimmed to about maxLen entries.
func NewMirror(client *redis.Client, registry *SchemaRegistry, prefix string, maxLen int64, opts ...MirrorOption) *Mirror {
	m := &Mirror{pub: NewPublisher(client, registry), client: client, prefix: prefix, maxLen: maxLen}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StreamName returns the stream key of convID.
func (m *Mirror) StreamName(convID string) string { return m.prefix + convID }

// Publish appends a snapshot entry.
func (m *Mirror) Publish(ctx context.Context, convID, snapshot string) error {
	_, err := m.pub.PublishRaw(ctx, m.StreamName(convID), EventSnapshot,
		SnapshotPayload{ConvID: convID, Snapshot: snapshot}, WithMaxLenApprox(m.maxLen))
	return err
}

// Done appends the end marker and schedules the stream for expiry.
func (m *Mirror) Done(ctx context.Context, convID string) error {
	stream := m.StreamName(convID)
	if _, err := m.pub.PublishRaw(ctx, stream, EventDone, DonePayload{ConvID: convID}, WithMaxLenApprox(m.maxLen)); err != nil {
		return err
	}
	if m.retention > 0 {
		if err := m.client.Expire(ctx, stream, m.retention).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", stream, err)
		}
	}
	return nil
}

package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types carried on a conversation stream.
const (
	EventSnapshot = "conversation.snapshot"
	EventDone     = "conversation.done"
	PayloadV1     = "v1"
)

// Envelope is the wrapper persisted in the "envelope" field of each stream entry.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// SnapshotPayload is the data of a conversation.snapshot event.
type SnapshotPayload struct {
	ConvID   string `json:"conv_id"`
	Snapshot string `json:"snapshot"`
}

// DonePayload is the data of a conversation.done event.
type DonePayload struct {
	ConvID string `json:"conv_id"`
}

// ValidateBasic ensures mandatory envelope fields are present before schema validation.
func (e *Envelope) ValidateBasic() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.PayloadVersion == "" {
		return fmt.Errorf("payload_version is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Marshal returns the JSON encoding of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// UnmarshalEnvelope parses JSON bytes into an Envelope and validates required fields.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}

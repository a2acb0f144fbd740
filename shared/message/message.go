package message

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Type string

const (
	TypeBuildTrigger Type = "build.trigger"
	TypeStatusCheck  Type = "build.status_check"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityNormal || p == PriorityHigh
}

// Payload keys shared by producers and the worker.
const (
	KeyBuildID           = "build_id"
	KeyWorkflowReference = "workflow_reference"
	KeyPoll              = "poll"
)

// Message is an immutable unit of work. Its id is derived from type and
// payload and is never set independently; a retry is a new Message with the
// same id and a higher retry count.
type Message struct {
	id         string
	typ        Type
	payload    map[string]any
	priority   Priority
	retryCount int
	delivery   string
}

// New builds a message and derives its identity.
func New(typ Type, payload map[string]any, priority Priority) (Message, error) {
	if strings.TrimSpace(string(typ)) == "" {
		return Message{}, ErrEmptyType
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidPriority, priority)
	}
	normalized, canonical, err := normalize(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		id:       identityOf(typ, canonical),
		typ:      typ,
		payload:  normalized,
		priority: priority,
	}, nil
}

// NewBuildTrigger is the message a producer enqueues for a freshly queued build.
func NewBuildTrigger(buildID string, priority Priority) (Message, error) {
	return New(TypeBuildTrigger, map[string]any{KeyBuildID: buildID}, priority)
}

// NewStatusCheck is the follow-up message polling the external workflow.
// The poll number is part of the payload, so every poll has its own identity.
func NewStatusCheck(buildID, workflowReference string, poll int) (Message, error) {
	return New(TypeStatusCheck, map[string]any{
		KeyBuildID:           buildID,
		KeyWorkflowReference: workflowReference,
		KeyPoll:              poll,
	}, PriorityNormal)
}

func (m Message) ID() string         { return m.id }
func (m Message) Type() Type         { return m.typ }
func (m Message) Priority() Priority { return m.priority }
func (m Message) RetryCount() int    { return m.retryCount }
func (m Message) IsZero() bool       { return m.id == "" }

// Delivery is the receipt a queue attached when it handed m out. Two
// deliveries of the same id carry different receipts. It is not part of the
// wire contract.
func (m Message) Delivery() string { return m.delivery }

// WithDelivery returns a copy of m carrying the given receipt.
func (m Message) WithDelivery(receipt string) Message {
	next := m
	next.delivery = receipt
	return next
}

// Payload returns a deep copy of the payload.
func (m Message) Payload() map[string]any {
	return cloneMap(m.payload)
}

// Retry returns the next delivery attempt of m. The receipt is kept so the
// current delivery can still be settled with the retried message.
func (m Message) Retry() Message {
	next := m
	next.payload = cloneMap(m.payload)
	next.retryCount = m.retryCount + 1
	return next
}

// String returns a string payload field.
func (m Message) String(key string) (string, error) {
	raw, ok := m.payload[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("payload field %s: expected string, got %T", key, raw)
	}
	return value, nil
}

// Int returns an integer payload field.
func (m Message) Int(key string) (int, error) {
	raw, ok := m.payload[key]
	if !ok || raw == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	switch v := raw.(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return 0, fmt.Errorf("payload field %s: %w", key, err)
		}
		return n, nil
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("payload field %s: expected number, got %T", key, raw)
	}
}

// BuildID extracts the referenced build. A missing or blank id makes the
// message unprocessable.
func (m Message) BuildID() (string, error) {
	id, err := m.String(KeyBuildID)
	if err != nil {
		return "", NewUnprocessableError(err)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", NewUnprocessableError(fmt.Errorf("%w: %s", ErrMissingField, KeyBuildID))
	}
	return id, nil
}

type wireMessage struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Payload    map[string]any `json:"payload"`
	Priority   Priority       `json:"priority"`
	RetryCount int            `json:"retry_count"`
}

// MarshalJSON encodes the wire contract with sorted payload keys.
func (m Message) MarshalJSON() ([]byte, error) {
	payload := m.payload
	if payload == nil {
		payload = map[string]any{}
	}
	return codec.Marshal(wireMessage{
		ID:         m.id,
		Type:       m.typ,
		Payload:    payload,
		Priority:   m.priority,
		RetryCount: m.retryCount,
	})
}

// Encode is MarshalJSON without the interface indirection.
func Encode(m Message) ([]byte, error) {
	return m.MarshalJSON()
}

// Decode parses the wire contract. The carried id is checked against the id
// recomputed from type and payload; malformed input of any kind is reported as
// an *UnprocessableError.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := codec.Unmarshal(data, &wire); err != nil {
		return Message{}, NewUnprocessableError(fmt.Errorf("decode message: %w", err))
	}
	if wire.RetryCount < 0 {
		return Message{}, NewUnprocessableError(fmt.Errorf("negative retry_count %d", wire.RetryCount))
	}
	m, err := New(wire.Type, wire.Payload, wire.Priority)
	if err != nil {
		return Message{}, NewUnprocessableError(err)
	}
	if wire.ID != "" && wire.ID != m.id {
		return Message{}, NewUnprocessableError(ErrIdentityChanged)
	}
	m.retryCount = wire.RetryCount
	return m, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// BuildRequestMessage is what upstream services publish on the build-requests
// topic to ask for a build.
type BuildRequestMessage struct {
	ConfigReference string   `json:"config_reference"`
	GitRef          string   `json:"git_ref"`
	Priority        Priority `json:"priority,omitempty"`
}

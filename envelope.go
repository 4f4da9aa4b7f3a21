package libmux

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Priority orders envelopes in the dispatch queue.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

const priorityTiers = 3

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityNormal, errors.Errorf("unknown priority %q", s)
	}
}

// ControlType names subscription control frames.
type ControlType string

const (
	ControlSubscribe   ControlType = "subscribe"
	ControlUnsubscribe ControlType = "unsubscribe"
)

const DefaultRequestTimeout = 10 * time.Second

// Envelope wraps one outgoing message with routing, priority and
// correlation metadata. Envelopes are never modified after construction;
// Retry derives a new one.
type Envelope struct {
	ID             string
	Method         string
	Control        ControlType
	Topics         []string
	Params         any
	ExpectResponse bool
	Priority       Priority
	Timeout        time.Duration
	Retries        int
	Batchable      bool
	CreatedAt      time.Time

	// heartbeat envelopes skip the in-flight cap
	heartbeat bool
}

type EnvelopeOption func(*Envelope)

func WithPriority(p Priority) EnvelopeOption {
	return func(e *Envelope) { e.Priority = p }
}

func WithTimeout(d time.Duration) EnvelopeOption {
	return func(e *Envelope) {
		if d > 0 {
			e.Timeout = d
		}
	}
}

func WithRetries(n int) EnvelopeOption {
	return func(e *Envelope) {
		if n >= 0 {
			e.Retries = n
		}
	}
}

// WithBatchable marks the envelope as eligible for batching. High
// priority envelopes are never batched regardless of this flag.
func WithBatchable() EnvelopeOption {
	return func(e *Envelope) { e.Batchable = true }
}

// WithoutResponse turns the envelope into fire-and-forget.
func WithoutResponse() EnvelopeOption {
	return func(e *Envelope) { e.ExpectResponse = false }
}

func NewEnvelope(method string, params any, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		ID:             uuid.NewString(),
		Method:         method,
		Params:         params,
		ExpectResponse: true,
		Priority:       PriorityNormal,
		Timeout:        DefaultRequestTimeout,
		CreatedAt:      time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newControlEnvelope(ct ControlType, topics []string) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Control:   ct,
		Topics:    append([]string(nil), topics...),
		Priority:  PriorityHigh,
		Timeout:   DefaultRequestTimeout,
		CreatedAt: time.Now(),
	}
}

// Retry returns a fresh envelope for the same call with one less retry.
func (e *Envelope) Retry() *Envelope {
	next := *e
	next.ID = uuid.NewString()
	next.Retries = e.Retries - 1
	next.CreatedAt = time.Now()
	return &next
}

func (e *Envelope) batchable() bool {
	return e.Batchable && e.Priority != PriorityHigh && e.Control == ""
}

func (e *Envelope) name() string {
	if e.Control != "" {
		return string(e.Control)
	}
	return e.Method
}

// wireFrame is the outbound representation of an Envelope.
type wireFrame struct {
	ID             string   `json:"id" cbor:"id"`
	Method         string   `json:"method,omitempty" cbor:"method,omitempty"`
	Type           string   `json:"type,omitempty" cbor:"type,omitempty"`
	Topics         []string `json:"topics,omitempty" cbor:"topics,omitempty"`
	Params         any      `json:"params,omitempty" cbor:"params,omitempty"`
	Priority       string   `json:"priority,omitempty" cbor:"priority,omitempty"`
	Timeout        int64    `json:"timeout,omitempty" cbor:"timeout,omitempty"`
	ExpectResponse bool     `json:"expectResponse,omitempty" cbor:"expectResponse,omitempty"`
}

func (e *Envelope) frame() wireFrame {
	if e.Control != "" {
		return wireFrame{ID: e.ID, Type: string(e.Control), Topics: e.Topics}
	}
	return wireFrame{
		ID:             e.ID,
		Method:         e.Method,
		Params:         e.Params,
		Priority:       e.Priority.String(),
		Timeout:        e.Timeout.Milliseconds(),
		ExpectResponse: e.ExpectResponse,
	}
}

// Inbound is one decoded inbound frame: either a correlated reply
// (ID set, Type empty) or an unsolicited event (Type set).
type Inbound struct {
	ID     string
	Type   string
	Result []byte
	Error  *RemoteError
	Data   []byte
	Topics []string
}

func (in Inbound) IsReply() bool {
	return in.Type == "" && in.ID != ""
}

func (in Inbound) IsEvent() bool {
	return in.Type != ""
}

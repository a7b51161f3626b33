// Package envelope implements the canonical message value (spec.md C2): the
// unit that producers build, publishers persist and emit, and consumers
// dispatch to user callbacks. It deliberately knows nothing about AMQP or
// Postgres — broker and store packages translate to/from it.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryModePersistent mirrors the AMQP persistent delivery mode; spec.md
// §3.1 pins every envelope to persistent delivery.
const DeliveryModePersistent = "persistent"

// Status codes (spec.md §3.1).
const (
	StatusUnknown = "unknown"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusWarning = "warning"
	StatusInfo    = "info"
	StatusDebug   = "debug"
)

// timeLayout is the millisecond-precision layout spec.md §4.2 mandates.
const timeLayout = "2006-01-02 15:04:05.000"

// Headers are the retry-control headers carried on the wire (spec.md §3.1,
// §6.1): x-retry-count and x-delay.
type Headers struct {
	RetryCount int
	DelayMs    int
}

// Status is the optional outcome reporting block (spec.md §3.1).
type Status struct {
	Code  string
	Data  map[string]any
	Debug string
	Error string
}

// wireBody is the JSON shape that travels on the AMQP message body
// (spec.md §6.4). message_id/event_type/producer_id/retry headers are
// carried as AMQP message properties/headers, not inside this body.
type wireBody struct {
	Meta    map[string]any `json:"meta"`
	Status  wireStatus     `json:"status"`
	Payload map[string]any `json:"payload"`
	System  wireSystem     `json:"system"`
}

type wireStatus struct {
	Code  string         `json:"code"`
	Data  map[string]any `json:"data,omitempty"`
	Debug string         `json:"debug,omitempty"`
	Error string         `json:"error,omitempty"`
}

type wireSystem struct {
	IsDebug       bool    `json:"is_debug"`
	ConsumerError *string `json:"consumer_error"`
}

// Envelope is the mutable, builder-style message value object.
type Envelope struct {
	messageID  string
	eventType  string
	producerID string

	payload map[string]any
	meta    map[string]any
	status  Status

	headers       Headers
	createdAt     time.Time
	isDebug       bool
	consumerError *string

	deliveryMode string

	// rawBody, when set, is returned verbatim by Body(). Structured mutators
	// of the body fields (payload, meta, status, debug flag, consumer error)
	// clear it, after which Body() serializes the structured fields.
	rawBody []byte
}

// New builds a fresh envelope with spec.md §4.2 defaults: a generated
// message_id, persistent delivery mode, created_at stamped now at
// millisecond resolution, status.code "unknown", is_debug false.
func New() *Envelope {
	return &Envelope{
		messageID:    uuid.NewString(),
		payload:      map[string]any{},
		meta:         map[string]any{},
		status:       Status{Code: StatusUnknown},
		createdAt:    time.Now().UTC().Truncate(time.Millisecond),
		deliveryMode: DeliveryModePersistent,
	}
}

// FromRawBody builds a fresh envelope whose Body() always returns raw
// verbatim, used when relaying an already-serialized payload untouched.
func FromRawBody(raw []byte) *Envelope {
	e := New()
	e.rawBody = append([]byte(nil), raw...)
	return e
}

// Parse reconstructs an Envelope's structured fields (payload/meta/status/
// system) from a wire body, as the consumer does for each delivery. The
// exact input bytes are preserved for Body(), so serialize-then-parse gives
// identical payload/meta/status. Retry headers (retry_count/delay_ms) are
// not part of the body and are left at zero; the consumer restores
// retry_count from the AMQP x-retry-count header.
func Parse(raw []byte) (*Envelope, error) {
	var w wireBody
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("envelope: parse body: %w", err)
	}
	e := New()
	e.rawBody = append([]byte(nil), raw...)
	if w.Payload != nil {
		e.payload = w.Payload
	}
	if w.Meta != nil {
		e.meta = w.Meta
	}
	e.status = Status{Code: w.Status.Code, Data: w.Status.Data, Debug: w.Status.Debug, Error: w.Status.Error}
	if e.status.Code == "" {
		e.status.Code = StatusUnknown
	}
	e.isDebug = w.System.IsDebug
	e.consumerError = w.System.ConsumerError
	return e, nil
}

// --- builders (fluent, mutate and return self) ---

// AddPayload merges m into the payload. When replace is true the existing
// payload is discarded first.
func (e *Envelope) AddPayload(m map[string]any, replace bool) *Envelope {
	if replace || e.payload == nil {
		e.payload = map[string]any{}
	}
	for k, v := range m {
		e.payload[k] = v
	}
	e.rawBody = nil
	return e
}

// AddPayloadAttribute sets a single payload key.
func (e *Envelope) AddPayloadAttribute(key string, value any) *Envelope {
	if e.payload == nil {
		e.payload = map[string]any{}
	}
	e.payload[key] = value
	e.rawBody = nil
	return e
}

// AddMeta merges m into meta (correlation ids, tenant, trace spans).
func (e *Envelope) AddMeta(m map[string]any) *Envelope {
	if e.meta == nil {
		e.meta = map[string]any{}
	}
	for k, v := range m {
		e.meta[k] = v
	}
	e.rawBody = nil
	return e
}

// SetID sets message_id. The publish path must never call this after
// insert_outbox (spec.md invariant iii) — it exists for producer-side
// construction and consumer-side reconstruction only.
func (e *Envelope) SetID(id string) *Envelope {
	e.messageID = id
	return e
}

// SetEvent sets event_type (the routing key / topic name).
func (e *Envelope) SetEvent(eventType string) *Envelope {
	e.eventType = eventType
	return e
}

// SetProducerID sets producer_id ("<project>.<consumer_id>"), mutated by
// the publisher prior to emission.
func (e *Envelope) SetProducerID(id string) *Envelope {
	e.producerID = id
	return e
}

// SetTraceID sets the ordered trace-id sequence under meta.trace_ids.
func (e *Envelope) SetTraceID(ids []string) *Envelope {
	return e.AddMeta(map[string]any{"trace_ids": ids})
}

// SetStatus sets the outcome-reporting block.
func (e *Envelope) SetStatus(code string, data map[string]any, debug string, errStr string) *Envelope {
	e.status = Status{Code: code, Data: data, Debug: debug, Error: errStr}
	e.rawBody = nil
	return e
}

// SetConsumerError records the last failure reason, set by the consumer
// immediately before routing an envelope to the DLQ.
func (e *Envelope) SetConsumerError(msg string) *Envelope {
	e.consumerError = &msg
	e.rawBody = nil
	return e
}

// SetDebug toggles the is_debug flag (selects the debug callback on the
// consumer side).
func (e *Envelope) SetDebug(b bool) *Envelope {
	e.isDebug = b
	e.rawBody = nil
	return e
}

// SetCreatedAt overrides created_at (producer code may want a business
// timestamp distinct from construction time).
func (e *Envelope) SetCreatedAt(t time.Time) *Envelope {
	e.createdAt = t
	return e
}

// SetRetryCount overrides headers.retry_count, used by the consumer when
// building a redelivery.
func (e *Envelope) SetRetryCount(n int) *Envelope {
	e.headers.RetryCount = n
	return e
}

// SetDelayMs overrides headers.delay_ms, used by the consumer when
// scheduling a delayed redelivery.
func (e *Envelope) SetDelayMs(ms int) *Envelope {
	e.headers.DelayMs = ms
	return e
}

// --- accessors ---

func (e *Envelope) ID() string               { return e.messageID }
func (e *Envelope) EventType() string        { return e.eventType }
func (e *Envelope) ProducerID() string       { return e.producerID }
func (e *Envelope) Payload() map[string]any  { return e.payload }
func (e *Envelope) Meta() map[string]any     { return e.meta }
func (e *Envelope) Status() Status           { return e.status }
func (e *Envelope) IsDebug() bool            { return e.isDebug }
func (e *Envelope) ConsumerError() *string   { return e.consumerError }
func (e *Envelope) DeliveryMode() string     { return e.deliveryMode }
func (e *Envelope) Headers() Headers         { return e.headers }

// GetRetryCount reads retry_count from headers, defaulting to 0 (spec.md
// §4.2).
func (e *Envelope) GetRetryCount() int { return e.headers.RetryCount }

// CreatedAt returns created_at formatted "YYYY-MM-DD HH:MM:SS.mmm".
func (e *Envelope) CreatedAt() string { return e.createdAt.Format(timeLayout) }

// CreatedAtTime returns the created_at timestamp as a time.Time.
func (e *Envelope) CreatedAtTime() time.Time { return e.createdAt }

// Body serializes the envelope to its wire JSON body. If the envelope was
// constructed from a raw string and never structurally mutated since, the
// original bytes are returned unchanged.
func (e *Envelope) Body() ([]byte, error) {
	if e.rawBody != nil {
		return e.rawBody, nil
	}
	w := wireBody{
		Meta:    e.meta,
		Status:  wireStatus{Code: e.status.Code, Data: e.status.Data, Debug: e.status.Debug, Error: e.status.Error},
		Payload: e.payload,
		System:  wireSystem{IsDebug: e.isDebug, ConsumerError: e.consumerError},
	}
	return json.Marshal(w)
}

// Clone returns a deep-enough copy suitable for building a redelivery:
// payload/meta/status carry over, identity fields (message_id, event_type,
// producer_id) are preserved, headers are copied by value so the caller can
// mutate retry_count/delay_ms without affecting the original.
func (e *Envelope) Clone() *Envelope {
	clone := &Envelope{
		messageID:     e.messageID,
		eventType:     e.eventType,
		producerID:    e.producerID,
		payload:       copyMap(e.payload),
		meta:          copyMap(e.meta),
		status:        e.status,
		headers:       e.headers,
		createdAt:     e.createdAt,
		isDebug:       e.isDebug,
		consumerError: e.consumerError,
		deliveryMode:  e.deliveryMode,
	}
	if e.rawBody != nil {
		clone.rawBody = append([]byte(nil), e.rawBody...)
	}
	return clone
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

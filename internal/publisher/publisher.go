// Package publisher implements the publisher (spec.md C4):
// store-then-emit-then-mark, envelope construction, and broker-error
// categorization. Grounded on join-service's outbox_worker.go (confirm +
// mandatory + NotifyReturn wait) and email-service's retry_publisher.go.
package publisher

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/eventbridge/internal/broker"
	"github.com/baechuer/eventbridge/internal/config"
	"github.com/baechuer/eventbridge/internal/envelope"
	"github.com/baechuer/eventbridge/internal/store"
)

// EventStore is the subset of *store.Store the publisher depends on.
type EventStore interface {
	InsertOutbox(ctx context.Context, producerID, eventType string, body []byte, messageID, partitionKey string) (bool, error)
	MarkOutboxPublished(ctx context.Context, messageID string) bool
	MarkOutboxFailed(ctx context.Context, messageID, errMsg string) bool
}

var _ EventStore = (*store.Store)(nil)

// Publisher implements the publish(event_type) contract of spec.md §4.4.
type Publisher struct {
	cfg   *config.Config
	store EventStore
	sup   *broker.Supervisor
	log   zerolog.Logger
}

// New builds a Publisher. cfg must already have passed config.Load's
// validation — Publisher does not re-validate beyond what it reads.
func New(cfg *config.Config, st EventStore, sup *broker.Supervisor, log zerolog.Logger) *Publisher {
	return &Publisher{cfg: cfg, store: st, sup: sup, log: log.With().Str("component", "publisher").Logger()}
}

// ExceptionCategory tags a broker error for metrics/logging, never for
// control flow (spec.md §4.4). Matching is case-insensitive substring,
// first match wins, order is load-bearing: "connection timeout" is
// connection-error, not timeout.
type ExceptionCategory string

const (
	CategoryConnection ExceptionCategory = "connection-error"
	CategoryChannel    ExceptionCategory = "channel-error"
	CategoryTimeout    ExceptionCategory = "timeout"
	CategoryEncoding   ExceptionCategory = "encoding-error"
	CategoryConfig     ExceptionCategory = "config-error"
	CategoryUnknown    ExceptionCategory = "unknown"
)

type matcher struct {
	substrings []string
	category   ExceptionCategory
}

var categoryTable = []matcher{
	{[]string{"connection", "socket", "network", "broken"}, CategoryConnection},
	{[]string{"channel"}, CategoryChannel},
	{[]string{"timeout", "timed out"}, CategoryTimeout},
	{[]string{"encode", "serialize", "malformed json"}, CategoryEncoding},
	{[]string{"exchange", "routing key", "config"}, CategoryConfig},
}

// Categorize classifies err per the ordered table above.
func Categorize(err error) ExceptionCategory {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, m := range categoryTable {
		for _, s := range m.substrings {
			if strings.Contains(msg, s) {
				return m.category
			}
		}
	}
	return CategoryUnknown
}

// Publish builds a fresh envelope for eventType with the given payload and
// runs it through PublishEnvelope. It is the entry point most producer code
// uses; callers with a pre-built envelope call PublishEnvelope directly.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload map[string]any) (bool, error) {
	env := envelope.New().SetEvent(eventType).AddPayload(payload, false)
	return p.PublishEnvelope(ctx, env)
}

// PublishEnvelope runs the full publish(event_type) sequence of spec.md
// §4.4 against a caller-supplied envelope, preserving its message_id.
func (p *Publisher) PublishEnvelope(ctx context.Context, env *envelope.Envelope) (bool, error) {
	if err := p.validateConfig(); err != nil {
		return false, err
	}

	producerID := p.cfg.ProducerID()
	env.SetProducerID(producerID)
	if env.EventType() == "" {
		return false, fmt.Errorf("publisher: missing-config: event_type must be set before publish")
	}

	body, err := env.Body()
	if err != nil {
		return false, fmt.Errorf("publisher: encode: %w", err)
	}

	inserted, err := p.store.InsertOutbox(ctx, producerID, env.EventType(), body, env.ID(), "")
	if err != nil {
		// store-transient from insert_outbox propagates unchanged (spec.md §4.4 step 3).
		return false, err
	}
	_ = inserted // a false (duplicate) is not an error; proceed to the broker step regardless.

	if !p.cfg.PublisherEnabled {
		return true, nil
	}

	if err := p.publishToBroker(ctx, env); err != nil {
		p.log.Warn().Err(err).Str("message_id", env.ID()).Str("category", string(Categorize(err))).Msg("publish_to_broker failed")
		p.store.MarkOutboxFailed(ctx, env.ID(), err.Error())
		return false, nil // publish MUST NOT propagate broker exceptions.
	}

	p.store.MarkOutboxPublished(ctx, env.ID())
	return true, nil
}

func (p *Publisher) validateConfig() error {
	var missing []string
	if p.cfg.Project == "" {
		missing = append(missing, "AMQP_PROJECT")
	}
	if p.cfg.ConsumerID == "" {
		missing = append(missing, "AMQP_MICROSERVICE_NAME")
	}
	if p.cfg.Exchange == "" {
		missing = append(missing, "AMQP_EXCHANGE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("publisher: missing-config: required options not set: %s", strings.Join(missing, ", "))
	}
	return nil
}

// publishToBroker directly emits env on the configured topic exchange
// with routing key = event_type, via the shared Supervisor's
// confirm+mandatory+wait publish path. It preserves message_id exactly and
// propagates broker exceptions unchanged (spec.md §4.4, distinct from
// Publish which absorbs them).
func (p *Publisher) publishToBroker(ctx context.Context, env *envelope.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return fmt.Errorf("publisher: encode: %w", err)
	}

	msg := amqp.Publishing{
		Type:         env.EventType(),
		MessageId:    env.ID(),
		AppId:        env.ProducerID(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    env.CreatedAtTime(),
		Headers:      amqp.Table{"x-retry-count": int32(env.GetRetryCount())},
		Body:         body,
	}

	if err := p.sup.PublishConfirmed(ctx, p.cfg.Exchange, env.EventType(), msg); err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	return nil
}

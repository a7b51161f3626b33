// Package consumer implements the consumer (spec.md C5): topology
// declaration, the per-delivery dispatch algorithm, inbox deduplication,
// retry scheduling through the delayed exchange, DLQ routing, and the
// consume loop. The most intricate component in the substrate; grounded on
// email-service's rabbitmq consumer (reconnect backoff, precondition-failure
// fast path) and join-service's inbox/outbox idiom for the dedup gate.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/eventbridge/internal/broker"
	"github.com/baechuer/eventbridge/internal/config"
	"github.com/baechuer/eventbridge/internal/envelope"
	"github.com/baechuer/eventbridge/internal/metrics"
	"github.com/baechuer/eventbridge/internal/retry"
	"github.com/baechuer/eventbridge/internal/store"
)

// Handler is the user message callback; receives the dispatched Envelope.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// CatchFunc is invoked on each failed attempt, including non-terminal ones.
type CatchFunc func(err error)

// FailedFunc is invoked once an event transitions to the DLQ.
type FailedFunc func(err error)

// Store is the subset of *store.Store the consumer depends on.
type Store interface {
	InsertInbox(ctx context.Context, consumerID, producerID, eventType string, body []byte, messageID string) (bool, error)
	ExistsInInbox(ctx context.Context, messageID, consumerID string) bool
	ExistsInInboxAndProcessed(ctx context.Context, messageID, consumerID string) bool
	MarkInboxProcessed(ctx context.Context, messageID, consumerID string) bool
	MarkInboxFailed(ctx context.Context, messageID, consumerID, errMsg string) bool
}

var _ Store = (*store.Store)(nil)

// RetryPublisher is the subset of broker-emission behavior the dispatch
// algorithm depends on, split out (grounded on email-service's consumer.go
// `Publisher` interface) so the dispatch logic can be unit-tested against a
// fake without a live broker.
type RetryPublisher interface {
	PublishRedelivery(ctx context.Context, env *envelope.Envelope, origHeaders amqp.Table) error
	PublishDLQ(ctx context.Context, env *envelope.Envelope) error
}

// brokerPublisher is the RetryPublisher backed by the real connection
// supervisor.
type brokerPublisher struct {
	sup           *broker.Supervisor
	delayExchange string
	dlqName       string
}

// PublishRedelivery emits env on the delay exchange via the shared
// Supervisor's confirm+mandatory+wait publish path — the same guarantee
// the primary publish path gets (spec.md §4.5.3: "if the broker publish
// itself fails, do NOT ACK — propagate").
func (b *brokerPublisher) PublishRedelivery(ctx context.Context, env *envelope.Envelope, origHeaders amqp.Table) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	headers := cloneHeaders(origHeaders)
	headers["x-retry-count"] = int32(env.GetRetryCount())
	headers["x-delay"] = int32(env.Headers().DelayMs)

	msg := amqp.Publishing{
		Type:         env.EventType(),
		MessageId:    env.ID(),
		AppId:        env.ProducerID(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      headers,
		Body:         body,
	}
	return b.sup.PublishConfirmed(ctx, b.delayExchange, env.EventType(), msg)
}

// PublishDLQ emits env directly to the dead-letter queue via the default
// exchange (routing key = queue name), through the same confirm+mandatory
// publish path as PublishRedelivery and the primary publisher.
func (b *brokerPublisher) PublishDLQ(ctx context.Context, env *envelope.Envelope) error {
	body, err := env.Body()
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		Type:         env.EventType(),
		MessageId:    env.ID(),
		AppId:        env.ProducerID(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{"x-retry-count": int32(env.GetRetryCount())},
		Body:         body,
	}
	return b.sup.PublishConfirmed(ctx, "", b.dlqName, msg)
}

// reconnectBaseDelay/reconnectMaxDelay bound the capped exponential backoff
// applied between topology-redeclaration attempts after a channel-level
// AMQP fault (spec.md §4.5.4 step 3 leaves the inter-attempt pacing
// unspecified; grounded on email-service's consumer.go run() loop).
const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Consumer implements the fluent configuration surface of spec.md §4.5.1
// plus the dispatch/consume-loop machinery of §4.5.3/§4.5.4.
type Consumer struct {
	cfg *config.Config
	st  Store
	sup *broker.Supervisor
	pub RetryPublisher
	log zerolog.Logger
	rec metrics.Recorder

	events       []string
	tries        int
	backoff      []int
	outageSleepS int

	catchFn       CatchFunc
	failedFn      FailedFunc
	callback      Handler
	debugCallback Handler

	mu          sync.Mutex
	initialized bool

	queueName     string
	dlqName       string
	delayExchange string
}

// New builds a Consumer seeded with cfg's defaults (tries, backoff,
// outage_sleep_s); the fluent setters below may override them.
func New(cfg *config.Config, st Store, sup *broker.Supervisor, log zerolog.Logger, rec metrics.Recorder) *Consumer {
	if rec == nil {
		rec = metrics.NopRecorder{}
	}
	queueName := cfg.ServiceQueueName()
	dlqName := queueName + ".failed"
	delayExchange := cfg.Exchange + ".delayed"
	return &Consumer{
		cfg:           cfg,
		st:            st,
		sup:           sup,
		pub:           &brokerPublisher{sup: sup, delayExchange: delayExchange, dlqName: dlqName},
		log:           log.With().Str("component", "consumer").Logger(),
		tries:         cfg.Tries,
		backoff:       cfg.Backoff.ScheduleSeconds,
		outageSleepS:  cfg.OutageSleepS,
		rec:           rec,
		queueName:     queueName,
		dlqName:       dlqName,
		delayExchange: delayExchange,
	}
}

// --- fluent configuration surface (spec.md §4.5.1) ---

func (c *Consumer) Events(types ...string) *Consumer {
	c.events = append(c.events, types...)
	return c
}

func (c *Consumer) Tries(n int) *Consumer {
	if n >= 1 {
		c.tries = n
	}
	return c
}

func (c *Consumer) Backoff(scheduleSeconds ...int) *Consumer {
	if len(scheduleSeconds) > 0 {
		c.backoff = scheduleSeconds
	}
	return c
}

func (c *Consumer) OutageSleep(s int) *Consumer {
	c.outageSleepS = s
	return c
}

func (c *Consumer) Catch(fn CatchFunc) *Consumer {
	c.catchFn = fn
	return c
}

func (c *Consumer) Failed(fn FailedFunc) *Consumer {
	c.failedFn = fn
	return c
}

func (c *Consumer) SetCallback(fn Handler) *Consumer {
	c.callback = fn
	return c
}

func (c *Consumer) SetDebugCallback(fn Handler) *Consumer {
	c.debugCallback = fn
	return c
}

// WithRetryPublisher overrides the redelivery/DLQ publish path, used by
// tests to substitute a fake for the real broker.
func (c *Consumer) WithRetryPublisher(p RetryPublisher) *Consumer {
	c.pub = p
	return c
}

// --- initialization (spec.md §4.5.2) ---

// Init declares the service queue, DLQ, delayed exchange, and bindings.
// Idempotent: a second call is a no-op once the initialized flag is set.
func (c *Consumer) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil
	}

	ch, err := c.sup.GetChannel()
	if err != nil {
		return fmt.Errorf("consumer: init: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("consumer: declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(c.delayExchange, "x-delayed-message", true, false, false, false, amqp.Table{
		"x-delayed-type": "topic",
	}); err != nil {
		return fmt.Errorf("consumer: declare delay exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("consumer: declare queue: %w", err)
	}
	if _, err := ch.QueueDeclare(c.dlqName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("consumer: declare dlq: %w", err)
	}

	bindKeys := append([]string{}, c.events...)
	bindKeys = append(bindKeys, "#")
	for _, key := range bindKeys {
		if err := ch.QueueBind(c.queueName, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("consumer: bind queue to exchange (%s): %w", key, err)
		}
		if err := ch.QueueBind(c.queueName, key, c.delayExchange, false, nil); err != nil {
			return fmt.Errorf("consumer: bind queue to delay exchange (%s): %w", key, err)
		}
	}

	c.initialized = true
	return nil
}

func (c *Consumer) clearInitialized() {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
}

// --- per-delivery dispatch (spec.md §4.5.3) ---

// handleDelivery runs steps A-F for one delivery. A non-nil return means
// an infrastructure fault that must escape to the consume loop. When an
// inbox insert or a redelivery/DLQ publish fails, the delivery is Nacked
// with requeue=true beforehand so the broker still owns redelivery
// semantics; a failed ACK is returned without a Nack.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	c.rec.MessageConsumed(c.queueName, d.Type)

	// Step A — header validation.
	messageID := strings.TrimSpace(d.MessageId)
	eventType := strings.TrimSpace(d.Type)
	producerID := strings.TrimSpace(d.AppId)
	if messageID == "" || eventType == "" || producerID == "" || !json.Valid(d.Body) {
		c.log.Warn().Str("message_id", messageID).Str("event_type", eventType).Msg("dropping malformed delivery")
		return c.ack(d)
	}

	env, err := envelope.Parse(d.Body)
	if err != nil {
		c.log.Warn().Err(err).Str("message_id", messageID).Msg("dropping unparseable delivery body")
		return c.ack(d)
	}
	env.SetID(messageID).SetEvent(eventType).SetProducerID(producerID)
	if rc, ok := headerInt(d.Headers, "x-retry-count"); ok {
		env.SetRetryCount(rc)
	}

	consumerID := c.cfg.ConsumerID

	// Step B — idempotency gate.
	if c.st.ExistsInInboxAndProcessed(ctx, messageID, consumerID) {
		c.rec.IdempotencyHit()
		return c.ack(d)
	}
	c.rec.IdempotencyMiss()

	// Step C — inbox admission.
	if !c.st.ExistsInInbox(ctx, messageID, consumerID) {
		admitted, err := c.st.InsertInbox(ctx, consumerID, producerID, eventType, d.Body, messageID)
		if err != nil {
			// Critical: propagate so the broker requeues.
			_ = d.Nack(false, true)
			return fmt.Errorf("consumer: insert_inbox: %w", err)
		}
		if !admitted {
			// A concurrent admitter won.
			return c.ack(d)
		}
	}

	// Step D — dispatch.
	handler := c.callback
	if env.IsDebug() && c.debugCallback != nil {
		handler = c.debugCallback
	}
	if handler == nil {
		c.log.Warn().Str("message_id", messageID).Msg("no callback registered, dropping")
		return c.ack(d)
	}

	handlerErr := handler(ctx, env)

	// Step E1 — success.
	if handlerErr == nil {
		if !c.st.MarkInboxProcessed(ctx, messageID, consumerID) {
			c.log.Warn().Str("message_id", messageID).Msg("mark_inbox_processed failed, advisory only")
		}
		c.rec.MessageProcessed(eventType)
		return c.ack(d)
	}

	// Step E2 — user-code failure.
	newRetry := env.GetRetryCount() + 1
	if newRetry < c.tries {
		redelivery := env.Clone().SetRetryCount(newRetry).SetDelayMs(retry.BackoffMS(newRetry, c.backoff))
		if err := c.pub.PublishRedelivery(ctx, redelivery, d.Headers); err != nil {
			_ = d.Nack(false, true)
			return fmt.Errorf("consumer: publish redelivery: %w", err)
		}
		c.rec.RetryAttempt(eventType)
		safeInvokeCatch(c.catchFn, handlerErr)
		return c.ack(d)
	}

	// Attempts exhausted: DLQ.
	env.SetConsumerError(handlerErr.Error())
	if err := c.pub.PublishDLQ(ctx, env); err != nil {
		_ = d.Nack(false, true)
		return fmt.Errorf("consumer: publish dlq: %w", err)
	}
	c.rec.DLQMessage(eventType, handlerErr.Error())
	safeInvokeFailed(c.failedFn, handlerErr)
	if !c.st.MarkInboxFailed(ctx, messageID, consumerID, handlerErr.Error()) {
		c.log.Warn().Str("message_id", messageID).Msg("mark_inbox_failed failed, advisory only")
	}
	return c.ack(d)
}

// ack ACKs the delivery. If ACK itself fails this is a fatal broker fault
// that must escape to the consume loop (spec.md §4.5.3 Step F).
func (c *Consumer) ack(d amqp.Delivery) error {
	if err := d.Ack(false); err != nil {
		c.rec.AckFailed(c.queueName)
		return fmt.Errorf("consumer: ack: %w", err)
	}
	return nil
}

func headerInt(headers amqp.Table, key string) (int, bool) {
	if headers == nil {
		return 0, false
	}
	v, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func safeInvokeCatch(fn CatchFunc, err error) {
	if fn == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(err)
}

func safeInvokeFailed(fn FailedFunc, err error) {
	if fn == nil {
		return
	}
	defer func() { _ = recover() }()
	fn(err)
}

func cloneHeaders(h amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range h {
		out[k] = v
	}
	return out
}

// isPreconditionFailed detects an AMQP 406 PRECONDITION_FAILED response —
// topology arguments changed under a durable queue/exchange. Grounded on
// email-service's consumer.go isPreconditionFailed.
func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECONDITION_FAILED") || strings.Contains(msg, "INEQUIVALENT ARG")
}

// --- consume loop (spec.md §4.5.4) ---

// Run executes the unbounded consume loop until ctx is cancelled or a
// precondition-failure fast path is hit (spec.md §4.5.4 plus the
// supplemented reconnect-backoff and precondition-failure behaviors).
func (c *Consumer) Run(ctx context.Context) error {
	backoff := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !c.isInitialized() {
			if err := c.Init(); err != nil {
				if isPreconditionFailed(err) {
					c.log.Error().Err(err).Msg("topology precondition failed, exiting consume loop")
					return err
				}
				c.log.Warn().Err(err).Msg("init failed, backing off")
				c.sleep(ctx, backoff)
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = reconnectBaseDelay
		}

		if !c.sup.EnsureConnectionOrSleep(ctx, c.outageSleepS) {
			continue
		}

		if err := c.consumeBlocking(ctx); err != nil {
			if isPreconditionFailed(err) {
				c.log.Error().Err(err).Msg("topology precondition failed, exiting consume loop")
				return err
			}
			c.log.Warn().Err(err).Msg("consume loop fault, resetting connection")
			c.clearInitialized()
			c.sup.Reset()
			c.sleep(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectBaseDelay
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (c *Consumer) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// consumeBlocking performs one blocking consume session: it opens a
// delivery channel and dispatches each delivery until the channel closes
// (connection/channel fault) or ctx is cancelled.
func (c *Consumer) consumeBlocking(ctx context.Context) error {
	ch, err := c.sup.GetChannel()
	if err != nil {
		return err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("consumer: qos: %w", err)
	}

	deliveries, err := ch.Consume(c.queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consumer: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("consumer: delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d); err != nil {
				return err
			}
		}
	}
}

// Package broker implements the connection supervisor (spec.md C3): a
// single process-wide broker connection and channel, a health probe, and
// level-triggered outage callbacks. Grounded on the reconnect loop in
// email-service's rabbitmq consumer and the state-machine idiom of its
// circuit breaker.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Supervisor owns the shared connection + channel and the outage flag.
// Only the consumer's dispatch goroutine is expected to mutate it, per
// spec.md §5's shared-resource policy; the mutex exists so a concurrent
// reader (e.g. the publisher) observes a consistent handle rather than a
// data race, not to serialize independent call chains.
type Supervisor struct {
	mu        sync.Mutex
	url       string
	conn      *amqp.Connection
	ch        *amqp.Channel
	confirmed bool
	log       zerolog.Logger

	inOutage bool
	onEnter  func(sleepS int)
	onExit   func()

	// pubMu serializes publish+confirm-wait cycles on the shared channel so
	// concurrent emitters (the publisher and the consumer's redelivery/DLQ
	// paths can share one Supervisor) never cross-wire a confirmation meant
	// for a different in-flight publish.
	pubMu sync.Mutex
}

// New constructs a Supervisor for the given AMQP URL. No connection is
// opened until the first GetConnection/GetChannel call.
func New(url string, log zerolog.Logger) *Supervisor {
	return &Supervisor{url: url, log: log.With().Str("component", "broker").Logger()}
}

// SetOutageCallbacks registers enter/exit hooks. Either may be nil; panics
// from callbacks are recovered and discarded rather than propagated (spec.md
// §4.3: "exceptions from callbacks are swallowed").
func (s *Supervisor) SetOutageCallbacks(onEnter func(sleepS int), onExit func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnter = onEnter
	s.onExit = onExit
}

// IsInOutage reports the level-triggered outage flag.
func (s *Supervisor) IsInOutage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inOutage
}

// GetConnection returns the live connection, dialing one if needed.
// Propagates the underlying dial error on failure (spec.md §4.3).
func (s *Supervisor) GetConnection() (*amqp.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConnectionLocked()
}

func (s *Supervisor) getConnectionLocked() (*amqp.Connection, error) {
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	s.conn = conn
	s.ch = nil
	s.confirmed = false
	return conn, nil
}

// GetChannel returns the live channel, opening the connection and channel
// as needed.
func (s *Supervisor) GetChannel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getChannelLocked()
}

func (s *Supervisor) getChannelLocked() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	conn, err := s.getConnectionLocked()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	s.ch = ch
	s.confirmed = false
	return ch, nil
}

// getConfirmChannel returns the shared channel with publisher confirms
// enabled, calling Confirm exactly once per channel instance so multiple
// components sharing one Supervisor never issue a duplicate confirm.select
// on the same channel.
func (s *Supervisor) getConfirmChannel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.getChannelLocked()
	if err != nil {
		return nil, err
	}
	if !s.confirmed {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("broker: channel: enable confirm: %w", err)
		}
		s.confirmed = true
	}
	return ch, nil
}

// IsConnectionHealthy is true iff a connection and a channel are both held
// and neither reports itself closed. No probe is sent to the broker; the
// check relies on the client library's own closed state. Any failure
// resets the shared handles to nil (spec.md §4.3).
func (s *Supervisor) IsConnectionHealthy() bool {
	s.mu.Lock()
	conn, ch := s.conn, s.ch
	s.mu.Unlock()

	if conn == nil || conn.IsClosed() || ch == nil || ch.IsClosed() {
		s.Reset()
		return false
	}
	return true
}

// Reset closes the channel and connection if held and clears the shared
// slots. Idempotent, never panics.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.confirmed = false
}

// EnsureConnectionOrSleep returns true when the broker is healthy. When
// unhealthy it fires on_outage_enter at most once per contiguous outage,
// tries one fresh dial, and returns false: immediately if that dial and a
// channel open succeed, otherwise after sleeping sleep_s cooperatively
// (or until ctx is done). On the call that
// observes recovery it fires on_outage_exit once and clears the flag
// (spec.md §4.3).
func (s *Supervisor) EnsureConnectionOrSleep(ctx context.Context, sleepS int) bool {
	if s.IsConnectionHealthy() {
		s.mu.Lock()
		wasInOutage := s.inOutage
		s.inOutage = false
		onExit := s.onExit
		s.mu.Unlock()
		if wasInOutage && onExit != nil {
			safeCall(func() { onExit() })
		}
		return true
	}

	s.mu.Lock()
	firstEntry := !s.inOutage
	s.inOutage = true
	onEnter := s.onEnter
	s.mu.Unlock()

	if firstEntry && onEnter != nil {
		safeCall(func() { onEnter(sleepS) })
	}

	// Re-attempt the connection itself before sleeping — a fresh dial may
	// succeed immediately after a transient blip.
	if _, err := s.GetConnection(); err == nil {
		if _, err := s.GetChannel(); err == nil {
			return false // caller re-checks health next loop iteration
		}
	}

	select {
	case <-time.After(time.Duration(sleepS) * time.Second):
	case <-ctx.Done():
	}
	return false
}

func safeCall(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

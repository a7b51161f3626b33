package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// confirmWait bounds how long PublishConfirmed waits for a publisher
// confirm or a basic.return before treating the emission as failed.
const confirmWait = 5 * time.Second

// PublishConfirmed publishes msg with mandatory=true on the shared channel,
// enabling publisher confirms on it if not already enabled, then blocks for
// the broker's ack, an unroutable basic.return, or confirmWait — whichever
// comes first. Every broker emission (publish, redelivery, DLQ) goes
// through this single entry point (spec.md §4.4/§4.5.3), grounded on
// join-service's outbox_worker.go confirm+mandatory+wait sequence and
// email-service's waitAckOrReturn.
func (s *Supervisor) PublishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	ch, err := s.getConfirmChannel()
	if err != nil {
		return fmt.Errorf("broker: connection: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, true, false, msg); err != nil {
		return fmt.Errorf("broker: channel: publish: %w", err)
	}

	return waitAckOrReturn(ctx, confirms, returns)
}

func waitAckOrReturn(ctx context.Context, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) error {
	timer := time.NewTimer(confirmWait)
	defer timer.Stop()
	select {
	case ret := <-returns:
		return fmt.Errorf("broker: message returned unroutable: exchange=%q routing key=%q reply=%q", ret.Exchange, ret.RoutingKey, ret.ReplyText)
	case confirm := <-confirms:
		if !confirm.Ack {
			return fmt.Errorf("broker: broker nacked publish (delivery tag %d)", confirm.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("broker: timeout waiting for broker confirm")
	case <-ctx.Done():
		return fmt.Errorf("broker: %w", ctx.Err())
	}
}

package consumer

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/eventbridge/internal/config"
	"github.com/baechuer/eventbridge/internal/envelope"
)

// fakeStore is a minimal in-memory double for Store, keyed by
// message_id+consumer_id, grounded on consumer_test.go's fakeHandler /
// fakePublisher test-double style.
type fakeStore struct {
	inbox map[string]string // key -> status
}

func newFakeStore() *fakeStore { return &fakeStore{inbox: map[string]string{}} }

func key(messageID, consumerID string) string { return messageID + "|" + consumerID }

func (f *fakeStore) InsertInbox(ctx context.Context, consumerID, producerID, eventType string, body []byte, messageID string) (bool, error) {
	k := key(messageID, consumerID)
	if _, exists := f.inbox[k]; exists {
		return false, nil
	}
	f.inbox[k] = "processing"
	return true, nil
}

func (f *fakeStore) ExistsInInbox(ctx context.Context, messageID, consumerID string) bool {
	_, ok := f.inbox[key(messageID, consumerID)]
	return ok
}

func (f *fakeStore) ExistsInInboxAndProcessed(ctx context.Context, messageID, consumerID string) bool {
	return f.inbox[key(messageID, consumerID)] == "processed"
}

func (f *fakeStore) MarkInboxProcessed(ctx context.Context, messageID, consumerID string) bool {
	f.inbox[key(messageID, consumerID)] = "processed"
	return true
}

func (f *fakeStore) MarkInboxFailed(ctx context.Context, messageID, consumerID, errMsg string) bool {
	f.inbox[key(messageID, consumerID)] = "failed"
	return true
}

// fakePublisher records every redelivery/DLQ publish instead of touching a
// live broker.
type fakePublisher struct {
	redeliveries []*envelope.Envelope
	dlq          []*envelope.Envelope
	failNext     error
}

func (f *fakePublisher) PublishRedelivery(ctx context.Context, env *envelope.Envelope, origHeaders amqp.Table) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.redeliveries = append(f.redeliveries, env)
	return nil
}

func (f *fakePublisher) PublishDLQ(ctx context.Context, env *envelope.Envelope) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.dlq = append(f.dlq, env)
	return nil
}

func testCfg() *config.Config {
	return &config.Config{
		Project:      "proj",
		ConsumerID:   "svc",
		Exchange:     "proj",
		Tries:        3,
		Backoff:      config.Backoff{ScheduleSeconds: []int{1, 5, 10}},
		OutageSleepS: 30,
	}
}

func newTestConsumer(t *testing.T, st *fakeStore, pub *fakePublisher) *Consumer {
	t.Helper()
	c := New(testCfg(), st, nil, zerolog.Nop(), nil)
	return c.WithRetryPublisher(pub)
}

func deliveryFor(t *testing.T, messageID, eventType, producerID string, retryCount int, payload map[string]any) amqp.Delivery {
	t.Helper()
	env := envelope.New().SetID(messageID).SetEvent(eventType).SetProducerID(producerID).AddPayload(payload, false)
	body, err := env.Body()
	require.NoError(t, err)

	headers := amqp.Table{}
	if retryCount > 0 {
		headers["x-retry-count"] = int32(retryCount)
	}
	return amqp.Delivery{
		MessageId: messageID,
		Type:      eventType,
		AppId:     producerID,
		Headers:   headers,
		Body:      body,
		Acknowledger: &noopAcknowledger{},
	}
}

// noopAcknowledger satisfies amqp.Acknowledger so deliveries built in tests
// can be Acked/Nacked without a live channel.
type noopAcknowledger struct{}

func (noopAcknowledger) Ack(tag uint64, multiple bool) error                { return nil }
func (noopAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error { return nil }
func (noopAcknowledger) Reject(tag uint64, requeue bool) error              { return nil }

// countingAcknowledger records how often a delivery was Acked and Nacked.
type countingAcknowledger struct{ acks, nacks int }

func (a *countingAcknowledger) Ack(tag uint64, multiple bool) error { a.acks++; return nil }
func (a *countingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.nacks++
	return nil
}
func (a *countingAcknowledger) Reject(tag uint64, requeue bool) error { return nil }

func TestHandleDelivery_MalformedHeadersDropped(t *testing.T) {
	st, pub := newFakeStore(), &fakePublisher{}
	c := newTestConsumer(t, st, pub)
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		t.Fatal("callback must not be invoked for a malformed delivery")
		return nil
	})

	d := deliveryFor(t, "", "user.created", "proj.other", 0, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	assert.Empty(t, st.inbox)
}

func TestHandleDelivery_AlreadyProcessed_SkipsCallback(t *testing.T) {
	st, pub := newFakeStore(), &fakePublisher{}
	st.inbox[key("m1", "svc")] = "processed"
	c := newTestConsumer(t, st, pub)

	called := false
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		called = true
		return nil
	})

	d := deliveryFor(t, "m1", "user.created", "proj.other", 0, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	assert.False(t, called)
}

func TestHandleDelivery_RetriedAfterFailed_ReprocessesHandler(t *testing.T) {
	// S6 regression guard: a previously-failed inbox row must still admit
	// the handler on redelivery.
	st, pub := newFakeStore(), &fakePublisher{}
	st.inbox[key("m6", "svc")] = "failed"
	c := newTestConsumer(t, st, pub)

	called := false
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		called = true
		return nil
	})

	d := deliveryFor(t, "m6", "user.created", "proj.other", 1, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "processed", st.inbox[key("m6", "svc")])
}

func TestHandleDelivery_Success_MarksProcessed(t *testing.T) {
	st, pub := newFakeStore(), &fakePublisher{}
	c := newTestConsumer(t, st, pub)
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error { return nil })

	d := deliveryFor(t, "m2", "user.created", "proj.other", 0, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	assert.Equal(t, "processed", st.inbox[key("m2", "svc")])
}

func TestHandleDelivery_FailureBelowTries_SchedulesRedelivery(t *testing.T) {
	// S4: tries(3).backoff([1,5,10]), x-retry-count=1, handler throws ->
	// redelivery with x-retry-count=2 and x-delay=5000.
	st, pub := newFakeStore(), &fakePublisher{}
	c := newTestConsumer(t, st, pub)
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("boom")
	})

	d := deliveryFor(t, "m4", "user.created", "proj.other", 1, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	require.Len(t, pub.redeliveries, 1)
	assert.Equal(t, 2, pub.redeliveries[0].GetRetryCount())
	assert.Equal(t, 5000, pub.redeliveries[0].Headers().DelayMs)
	assert.Empty(t, pub.dlq)
}

func TestHandleDelivery_FailureAtTries_RoutesToDLQ(t *testing.T) {
	// S5: x-retry-count=2, tries=3, handler throws -> DLQ, inbox marked failed.
	st, pub := newFakeStore(), &fakePublisher{}
	c := newTestConsumer(t, st, pub)

	var failedCalled bool
	c.Failed(func(err error) { failedCalled = true })
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("permanent failure")
	})

	d := deliveryFor(t, "m5", "user.created", "proj.other", 2, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	require.Len(t, pub.dlq, 1)
	assert.NotNil(t, pub.dlq[0].ConsumerError())
	assert.Equal(t, "permanent failure", *pub.dlq[0].ConsumerError())
	assert.True(t, failedCalled)
	assert.Equal(t, "failed", st.inbox[key("m5", "svc")])
}

func TestHandleDelivery_TriesEqualsOne_NoRedeliveryPath(t *testing.T) {
	st, pub := newFakeStore(), &fakePublisher{}
	cfg := testCfg()
	cfg.Tries = 1
	c := New(cfg, st, nil, zerolog.Nop(), nil).WithRetryPublisher(pub)
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("fails immediately")
	})

	d := deliveryFor(t, "m7", "user.created", "proj.other", 0, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	assert.Empty(t, pub.redeliveries)
	require.Len(t, pub.dlq, 1)
}

func TestHandleDelivery_RedeliveryPublishFails_PropagatesWithoutAck(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{failNext: errors.New("channel closed")}
	c := newTestConsumer(t, st, pub)
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("boom")
	})

	d := deliveryFor(t, "m8", "user.created", "proj.other", 0, nil)
	acks := &countingAcknowledger{}
	d.Acknowledger = acks
	err := c.handleDelivery(context.Background(), d)

	require.Error(t, err)
	assert.Equal(t, 0, acks.acks)
	assert.Equal(t, 1, acks.nacks)
}

func TestHandleDelivery_CatchInvokedOnRetry(t *testing.T) {
	st, pub := newFakeStore(), &fakePublisher{}
	c := newTestConsumer(t, st, pub)

	var caught error
	c.Catch(func(err error) { caught = err })
	c.SetCallback(func(ctx context.Context, env *envelope.Envelope) error {
		return errors.New("transient")
	})

	d := deliveryFor(t, "m9", "user.created", "proj.other", 0, nil)
	err := c.handleDelivery(context.Background(), d)

	require.NoError(t, err)
	require.Error(t, caught)
	assert.Equal(t, "transient", caught.Error())
}

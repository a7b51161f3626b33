package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	e := New()
	assert.NotEmpty(t, e.ID())
	assert.Equal(t, StatusUnknown, e.Status().Code)
	assert.Equal(t, DeliveryModePersistent, e.DeliveryMode())
	assert.False(t, e.IsDebug())
	assert.Equal(t, 0, e.GetRetryCount())
}

// TestEnvelope_RoundTrip_SerializeThenParse is the round-trip law of
// spec.md §8: serialize then parse an envelope's body ⇒ identical
// payload/meta/status. Headers (retry_count/delay_ms) travel as AMQP
// message headers, not inside the body, so Parse alone never restores
// them — that is asserted explicitly below rather than assumed.
func TestEnvelope_RoundTrip_SerializeThenParse(t *testing.T) {
	original := New().
		SetEvent("user.created").
		AddPayload(map[string]any{"user_id": float64(42), "email": "a@b.com"}, false).
		AddMeta(map[string]any{"tenant": "acme"}).
		SetStatus(StatusSuccess, map[string]any{"rows": float64(1)}, "", "").
		SetRetryCount(2).
		SetDelayMs(5000)

	body, err := original.Body()
	require.NoError(t, err)

	parsed, err := Parse(body)
	require.NoError(t, err)

	assert.Equal(t, original.Payload(), parsed.Payload())
	assert.Equal(t, original.Meta(), parsed.Meta())
	assert.Equal(t, original.Status(), parsed.Status())

	// Headers are not part of the wire body; Parse leaves them at zero
	// value. The consumer restores retry_count separately from the AMQP
	// x-retry-count header after calling Parse (see consumer.handleDelivery).
	assert.Equal(t, 0, parsed.GetRetryCount())
	assert.Equal(t, 0, parsed.Headers().DelayMs)

	// A second serialize-parse cycle starting from the parsed envelope must
	// be stable (idempotent round trip).
	body2, err := parsed.Body()
	require.NoError(t, err)
	parsed2, err := Parse(body2)
	require.NoError(t, err)
	assert.Equal(t, parsed.Payload(), parsed2.Payload())
	assert.Equal(t, parsed.Meta(), parsed2.Meta())
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte("not json"))
	require.Error(t, err)
}

// TestEnvelope_Clone_Independence guards the redelivery path (consumer.go
// builds a redelivery via env.Clone().SetRetryCount(...).SetDelayMs(...));
// mutating the clone must never leak back into the original delivery's
// envelope.
func TestEnvelope_Clone_Independence(t *testing.T) {
	original := New().
		SetID("m1").
		SetEvent("user.created").
		AddPayload(map[string]any{"user_id": float64(1)}, false).
		AddMeta(map[string]any{"tenant": "acme"}).
		SetRetryCount(1)

	clone := original.Clone()
	clone.AddPayloadAttribute("user_id", float64(2))
	clone.AddMeta(map[string]any{"tenant": "other"})
	clone.SetRetryCount(2)
	clone.SetDelayMs(10000)

	assert.Equal(t, float64(1), original.Payload()["user_id"])
	assert.Equal(t, "acme", original.Meta()["tenant"])
	assert.Equal(t, 1, original.GetRetryCount())
	assert.Equal(t, 0, original.Headers().DelayMs)

	assert.Equal(t, float64(2), clone.Payload()["user_id"])
	assert.Equal(t, "other", clone.Meta()["tenant"])
	assert.Equal(t, 2, clone.GetRetryCount())
	assert.Equal(t, 10000, clone.Headers().DelayMs)

	// Identity fields carry over unchanged.
	assert.Equal(t, original.ID(), clone.ID())
	assert.Equal(t, original.EventType(), clone.EventType())
}

// TestEnvelope_RawBody_VerbatimUntilMutated covers spec.md §4.2: a raw
// string is stored verbatim and re-served as-is via Body(), until a
// structured mutator touches the envelope.
func TestEnvelope_RawBody_VerbatimUntilMutated(t *testing.T) {
	raw := []byte(`{"meta":{},"status":{"code":"unknown"},"payload":{"x":1},"system":{"is_debug":false,"consumer_error":null}}`)
	e := FromRawBody(raw)

	body, err := e.Body()
	require.NoError(t, err)
	assert.Equal(t, raw, body)

	e.AddPayloadAttribute("y", float64(2))

	mutatedBody, err := e.Body()
	require.NoError(t, err)
	assert.NotEqual(t, raw, mutatedBody)

	parsed, err := Parse(mutatedBody)
	require.NoError(t, err)
	assert.Equal(t, float64(2), parsed.Payload()["y"])
}

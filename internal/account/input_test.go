package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/validation"
)

func validInput() EventInput {
	return EventInput{
		EventID:    "evt_1",
		AccountID:  "acct_1",
		SessionID:  "sess_1",
		EventType:  EventLoginSuccess,
		Severity:   SeverityInfo,
		Source:     SourceAutomationWorker,
		OccurredAt: "2025-03-01T12:00:00+01:00",
		Payload:    map[string]any{"username": " nina "},
	}
}

func TestEventInput_Valid(t *testing.T) {
	ev, err := validInput().Event()
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), ev.OccurredAt)
	assert.Equal(t, "nina", validInput().Username())
}

func TestEventInput_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EventInput)
		field  string
	}{
		{"missing event id", func(in *EventInput) { in.EventID = "" }, "eventId"},
		{"missing account", func(in *EventInput) { in.AccountID = "" }, "accountId"},
		{"unknown type", func(in *EventInput) { in.EventType = "TELEPORTED" }, "eventType"},
		{"system-only type", func(in *EventInput) { in.EventType = EventCooldownRecovered }, "eventType"},
		{"bad severity", func(in *EventInput) { in.Severity = "fatal" }, "severity"},
		{"bad source", func(in *EventInput) { in.Source = "cron" }, "source"},
		{"bad timestamp", func(in *EventInput) { in.OccurredAt = "yesterday" }, "occurredAt"},
		{"missing payload", func(in *EventInput) { in.Payload = nil }, "payload"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			ev, err := in.Event()
			assert.Nil(t, ev)

			var verrs validation.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tc.field, verrs[0].Field)
		})
	}
}

func TestEventInput_EmptyPayloadAllowed(t *testing.T) {
	in := validInput()
	in.Payload = map[string]any{}
	_, err := in.Event()
	assert.NoError(t, err)
}

func TestIsKnownEventType(t *testing.T) {
	assert.True(t, IsKnownEventType(EventCooldownRecovered))
	assert.True(t, IsKnownEventType(EventManualOverride))
	assert.False(t, IsKnownEventType("NOPE"))
}

func TestClampTrust(t *testing.T) {
	assert.Equal(t, 0, ClampTrust(-30))
	assert.Equal(t, 100, ClampTrust(130))
	assert.Equal(t, 42, ClampTrust(42))
}

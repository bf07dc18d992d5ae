package account

import (
	"strings"
	"time"

	"github.com/mbd888/trustgate/internal/validation"
)

// EventInput is an event as submitted by an automation worker or operator.
type EventInput struct {
	EventID    string         `json:"eventId"`
	AccountID  string         `json:"accountId"`
	SessionID  string         `json:"sessionId,omitempty"`
	EventType  EventType      `json:"eventType"`
	Severity   Severity       `json:"severity"`
	Source     Source         `json:"source"`
	OccurredAt string         `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

// Event validates the input and converts it into a log entry.
// Failures are reported as validation.ValidationErrors.
func (in EventInput) Event() (*Event, error) {
	errs := validation.Validate(
		validation.Required("eventId", in.EventID),
		validation.ValidID("eventId", in.EventID),
		validation.Required("accountId", in.AccountID),
		validation.ValidID("accountId", in.AccountID),
		validation.ValidID("sessionId", in.SessionID),
		validation.Required("eventType", string(in.EventType)),
		validation.OneOf("eventType", in.EventType, SubmittableEventTypes...),
		validation.Required("severity", string(in.Severity)),
		validation.OneOf("severity", in.Severity, SeverityInfo, SeverityWarning, SeverityDanger),
		validation.Required("source", string(in.Source)),
		validation.OneOf("source", in.Source, SourceAutomationWorker, SourceManual, SourceSystem),
		validation.Required("occurredAt", in.OccurredAt),
		validation.Timestamp("occurredAt", in.OccurredAt),
		func() *validation.ValidationError {
			if in.Payload == nil {
				return &validation.ValidationError{Field: "payload", Message: "is required"}
			}
			return nil
		},
	)
	if len(errs) > 0 {
		return nil, errs
	}

	occurred, _ := time.Parse(time.RFC3339Nano, in.OccurredAt)
	return &Event{
		ID:         strings.TrimSpace(in.EventID),
		AccountID:  strings.TrimSpace(in.AccountID),
		SessionID:  in.SessionID,
		Type:       in.EventType,
		Severity:   in.Severity,
		Source:     in.Source,
		OccurredAt: occurred.UTC(),
		Payload:    in.Payload,
	}, nil
}

// Username returns the optional username carried in the payload, used when
// an event auto-provisions its account.
func (in EventInput) Username() string {
	s, _ := in.Payload["username"].(string)
	return validation.SanitizeString(s, validation.MaxIDLength)
}

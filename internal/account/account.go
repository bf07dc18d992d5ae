// Package account holds the governed-account model, the append-only event log
// and the Store contract that every governance component persists through.
//
// An Account carries a trust score in [0, 100] and an operational state. Every
// change to either is recorded next to the event that caused it, so the log
// alone explains the account's history.
package account

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/trustgate/internal/pagination"
)

var (
	ErrAccountNotFound = errors.New("account: not found")
	ErrDuplicateEvent  = errors.New("account: duplicate event id")
	ErrStorage         = errors.New("account: storage failure")
)

// Trust score bounds.
const (
	MinTrust = 0
	MaxTrust = 100
)

// State is the operational state of an account.
type State string

const (
	StateActive State = "ACTIVE"
	StatePaused State = "PAUSED"
	StateFrozen State = "FROZEN"
)

// States lists every state in severity order.
var States = []State{StateActive, StatePaused, StateFrozen}

// Severity grades an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// Source identifies who produced an event.
type Source string

const (
	SourceAutomationWorker Source = "automation_worker"
	SourceManual           Source = "manual"
	SourceSystem           Source = "system"
)

// EventType names a kind of account event.
type EventType string

const (
	EventSessionStarted     EventType = "SESSION_STARTED"
	EventSessionEnded       EventType = "SESSION_ENDED"
	EventSessionAborted     EventType = "SESSION_ABORTED"
	EventLoginSuccess       EventType = "LOGIN_SUCCESS"
	EventLoginChallenge     EventType = "LOGIN_CHALLENGE"
	EventLoginFailed        EventType = "LOGIN_FAILED"
	EventLogout             EventType = "LOGOUT"
	EventActionAttempted    EventType = "ACTION_ATTEMPTED"
	EventActionSuccess      EventType = "ACTION_SUCCESS"
	EventActionFailed       EventType = "ACTION_FAILED"
	EventActionBlocked      EventType = "ACTION_BLOCKED"
	EventWarningReceived    EventType = "WARNING_RECEIVED"
	EventRateLimitWarning   EventType = "RATE_LIMIT_WARNING"
	EventTempRestriction    EventType = "TEMP_RESTRICTION"
	EventChallengeRequired  EventType = "CHALLENGE_REQUIRED"
	EventShadowbanSuspected EventType = "SHADOWBAN_SUSPECTED"
	EventAccountPaused      EventType = "ACCOUNT_PAUSED"
	EventAccountResumed     EventType = "ACCOUNT_RESUMED"
	EventAccountFrozen      EventType = "ACCOUNT_FROZEN"
	EventManualOverride     EventType = "MANUAL_OVERRIDE"

	// EventCooldownRecovered is written only by the cooldown sweeper.
	EventCooldownRecovered EventType = "COOLDOWN_RECOVERED"
)

// SubmittableEventTypes are the types accepted from callers.
var SubmittableEventTypes = []EventType{
	EventSessionStarted, EventSessionEnded, EventSessionAborted,
	EventLoginSuccess, EventLoginChallenge, EventLoginFailed, EventLogout,
	EventActionAttempted, EventActionSuccess, EventActionFailed, EventActionBlocked,
	EventWarningReceived, EventRateLimitWarning, EventTempRestriction,
	EventChallengeRequired, EventShadowbanSuspected,
	EventAccountPaused, EventAccountResumed, EventAccountFrozen,
	EventManualOverride,
}

// IsKnownEventType reports whether t may appear in the log.
func IsKnownEventType(t EventType) bool {
	if t == EventCooldownRecovered {
		return true
	}
	for _, s := range SubmittableEventTypes {
		if s == t {
			return true
		}
	}
	return false
}

// Account is a governed automation identity.
type Account struct {
	ID         string    `json:"accountId"`
	Username   string    `json:"username,omitempty"`
	TrustScore int       `json:"trustScore"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Event is an immutable entry in an account's log.
type Event struct {
	ID         string         `json:"eventId"`
	AccountID  string         `json:"accountId"`
	SessionID  string         `json:"sessionId,omitempty"`
	Type       EventType      `json:"eventType"`
	Severity   Severity       `json:"severity"`
	Source     Source         `json:"source"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
	RecordedAt time.Time      `json:"recordedAt"`

	// Seq is the store-assigned append position. It breaks occurredAt ties.
	Seq int64 `json:"-"`
}

// Update is a partial change to an account. Nil fields are left untouched.
type Update struct {
	TrustScore *int
	State      *State
}

// Empty reports whether the update changes nothing.
func (u *Update) Empty() bool {
	return u == nil || (u.TrustScore == nil && u.State == nil)
}

// Mutation computes the update committed together with an event. It receives
// a private copy of the account as currently stored. A nil update commits the
// event alone; an error aborts the commit and is returned unchanged.
type Mutation func(current Account) (*Update, error)

// EventFilter narrows event queries. Zero values match everything.
type EventFilter struct {
	Types []EventType
	// Payload requires each key to be present with the given string value.
	Payload map[string]string
}

// AccountQuery selects accounts, newest first.
type AccountQuery struct {
	State  State
	Limit  int
	Cursor *pagination.Cursor
}

// EventQuery selects events, newest first.
type EventQuery struct {
	AccountID string
	Limit     int
}

// Store persists accounts and their event log.
type Store interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
	// EnsureAccount inserts acct when its ID is unknown and returns the stored account.
	EnsureAccount(ctx context.Context, acct *Account) (*Account, error)
	UpdateAccount(ctx context.Context, id string, upd Update) (*Account, error)
	ListAccounts(ctx context.Context, q AccountQuery) ([]*Account, error)

	AppendEvent(ctx context.Context, ev *Event) error
	// FindLatestEvent returns the matching event with the greatest occurredAt,
	// later appends winning ties, or nil when nothing matches.
	FindLatestEvent(ctx context.Context, accountID string, f EventFilter) (*Event, error)
	// CountEvents counts matching events with occurredAt >= since.
	CountEvents(ctx context.Context, accountID string, f EventFilter, since time.Time) (int, error)
	ListEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Commit atomically appends ev and applies the update produced by mutate.
	// When provision is non-nil an unknown account is created from it first;
	// otherwise an unknown account yields ErrAccountNotFound.
	Commit(ctx context.Context, ev *Event, provision *Account, mutate Mutation) (*Account, error)
	// Mutate atomically applies the update produced by mutate to an existing
	// account without appending an event. Unknown accounts yield
	// ErrAccountNotFound.
	Mutate(ctx context.Context, id string, mutate Mutation) (*Account, error)
	// AppendIfUnder atomically counts matching events since the given instant
	// and appends ev only when the count is below max. It returns the count
	// observed before the append.
	AppendIfUnder(ctx context.Context, ev *Event, f EventFilter, since time.Time, max int) (int, bool, error)
}

// ClampTrust bounds a score to [MinTrust, MaxTrust].
func ClampTrust(score int) int {
	return max(MinTrust, min(MaxTrust, score))
}

func (f EventFilter) matches(ev *Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, want := range f.Payload {
		v, present := ev.Payload[k]
		if !present || stringify(v) != want {
			return false
		}
	}
	return true
}

func (a *Account) apply(upd *Update) {
	if upd == nil {
		return
	}
	if upd.TrustScore != nil {
		a.TrustScore = ClampTrust(*upd.TrustScore)
	}
	if upd.State != nil {
		a.State = *upd.State
	}
}

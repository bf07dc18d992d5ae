// Package governance is the account-facing surface of trustgate: event
// ingestion, manual overrides, account health and listings.
//
// Submitted and system events go through the score engine, which appends the
// event and applies its score rule in one atomic step. Overrides write the
// account directly and record a MANUAL_OVERRIDE event in the same commit, so
// every change to an account is explained by the log.
package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/clock"
	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/pagination"
	"github.com/mbd888/trustgate/internal/policy"
	"github.com/mbd888/trustgate/internal/scoring"
	"github.com/mbd888/trustgate/internal/syncutil"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/validation"
)

// HealthSignals is how many recent events GetHealth renders.
const HealthSignals = 5

// Override actions.
type OverrideAction string

const (
	ActionPause      OverrideAction = "PAUSE"
	ActionResume     OverrideAction = "RESUME"
	ActionFreeze     OverrideAction = "FREEZE"
	ActionResetTrust OverrideAction = "RESET_TRUST"
)

// Default override reasons.
const (
	ReasonManualPause     = "manual_pause"
	ReasonManualResume    = "manual_resume"
	ReasonSevereViolation = "severe_violation"
)

// Publisher receives every committed event with the resulting account.
type Publisher interface {
	PublishEvent(ev *account.Event, acct *account.Account)
}

// SubmitResult is the outcome of ingesting one event.
type SubmitResult struct {
	Event   *account.Event   `json:"event"`
	Account *account.Account `json:"account"`
}

// OverrideResult is the outcome of a manual override.
type OverrideResult struct {
	Action  OverrideAction   `json:"action"`
	Event   *account.Event   `json:"event"`
	Account *account.Account `json:"account"`
}

// Signal is a recent event rendered for operators.
type Signal struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"accountId"`
	Type        account.EventType `json:"type"`
	Severity    string            `json:"severity"`
	Description string            `json:"description"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]any    `json:"metadata"`
	Source      account.Source    `json:"source"`
}

// AccountHealth is the operator view of one account.
type AccountHealth struct {
	AccountID     string           `json:"accountId"`
	Username      string           `json:"username"`
	State         account.State    `json:"state"`
	TrustScore    int              `json:"trustScore"`
	RiskLevel     policy.RiskLevel `json:"riskLevel"`
	LastEventAt   *time.Time       `json:"lastEventAt"`
	RecentSignals []Signal         `json:"recentSignals"`
}

// AccountSummary is one row of the account listing.
type AccountSummary struct {
	AccountID   string           `json:"accountId"`
	Username    string           `json:"username"`
	State       account.State    `json:"state"`
	TrustScore  int              `json:"trustScore"`
	RiskLevel   policy.RiskLevel `json:"riskLevel"`
	LastEventAt *time.Time       `json:"lastEventAt"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// AccountPage is a page of the account listing.
type AccountPage struct {
	Accounts   []AccountSummary `json:"accounts"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// Service implements ingestion, overrides and read models.
type Service struct {
	store     account.Store
	policy    *policy.Policy
	scoring   *scoring.Engine
	locks     *syncutil.KeyLocks
	clock     clock.Clock
	publisher Publisher
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLocks must be given the same pool as the score engine and the sweeper.
func WithLocks(l *syncutil.KeyLocks) Option {
	return func(s *Service) { s.locks = l }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a governance service.
func NewService(store account.Store, pol *policy.Policy, engine *scoring.Engine, opts ...Option) *Service {
	s := &Service{
		store:   store,
		policy:  pol,
		scoring: engine,
		locks:   syncutil.NewKeyLocks(),
		clock:   clock.System(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the tables the service was built with.
func (s *Service) Policy() *policy.Policy { return s.policy }

// SubmitEvent validates and ingests an externally reported event. An unknown
// account is provisioned with the policy defaults. Nothing is recorded when
// validation fails or the event id was already used.
func (s *Service) SubmitEvent(ctx context.Context, in account.EventInput) (*SubmitResult, error) {
	ev, err := in.Event()
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(typeLabel(in.EventType), "invalid").Inc()
		return nil, err
	}
	return s.ingest(ctx, ev, s.policy.NewAccount(ev.AccountID, in.Username()))
}

// EmitSystemEvent ingests an event produced inside trustgate, such as a rate
// limit warning. It fills in the id and timestamp when they are missing.
func (s *Service) EmitSystemEvent(ctx context.Context, ev *account.Event) error {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("sys_")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.clock.Now()
	}
	if ev.Source == "" {
		ev.Source = account.SourceSystem
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	if !account.IsKnownEventType(ev.Type) {
		return validation.ValidationErrors{{Field: "eventType", Message: "unknown event type"}}
	}
	_, err := s.ingest(ctx, ev, s.policy.NewAccount(ev.AccountID, ""))
	return err
}

func (s *Service) ingest(ctx context.Context, ev *account.Event, provision *account.Account) (*SubmitResult, error) {
	ctx, span := traces.StartSpan(ctx, "governance.Ingest",
		traces.AccountID(ev.AccountID), traces.EventType(string(ev.Type)))
	defer span.End()

	acct, err := s.scoring.Record(ctx, ev, provision)
	switch {
	case errors.Is(err, account.ErrDuplicateEvent):
		metrics.EventsIngestedTotal.WithLabelValues(string(ev.Type), "duplicate").Inc()
		return nil, err
	case err != nil:
		metrics.EventsIngestedTotal.WithLabelValues(string(ev.Type), "error").Inc()
		traces.RecordError(span, err)
		s.log(ctx).Error("event ingestion failed", "account_id", ev.AccountID, "event_id", ev.ID, "error", err)
		return nil, err
	}

	metrics.EventsIngestedTotal.WithLabelValues(string(ev.Type), "accepted").Inc()
	s.publish(ev, acct)
	return &SubmitResult{Event: ev, Account: acct}, nil
}

func (s *Service) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

func (s *Service) publish(ev *account.Event, acct *account.Account) {
	if s.publisher != nil {
		s.publisher.PublishEvent(ev, acct)
	}
}

// Pause moves an account to PAUSED.
func (s *Service) Pause(ctx context.Context, accountID, reason string) (*OverrideResult, error) {
	return s.override(ctx, accountID, ActionPause, account.SeverityWarning,
		defaultReason(reason, ReasonManualPause), nil, stateTo(account.StatePaused))
}

// Resume moves an account to ACTIVE without changing its score.
func (s *Service) Resume(ctx context.Context, accountID, reason string) (*OverrideResult, error) {
	return s.override(ctx, accountID, ActionResume, account.SeverityInfo,
		defaultReason(reason, ReasonManualResume), nil, stateTo(account.StateActive))
}

// Freeze moves an account to FROZEN.
func (s *Service) Freeze(ctx context.Context, accountID, reason string) (*OverrideResult, error) {
	return s.override(ctx, accountID, ActionFreeze, account.SeverityDanger,
		defaultReason(reason, ReasonSevereViolation), nil, stateTo(account.StateFrozen))
}

// ResetTrust sets the trust score to target, MaxTrust when nil, and derives
// the state from it.
func (s *Service) ResetTrust(ctx context.Context, accountID string, target *int, reason string) (*OverrideResult, error) {
	score := account.MaxTrust
	if target != nil {
		score = *target
	}
	if errs := validation.Validate(
		validation.IntRange("trustScore", score, account.MinTrust, account.MaxTrust),
	); errs != nil {
		return nil, errs
	}
	state := s.policy.StateFor(score)
	return s.override(ctx, accountID, ActionResetTrust, account.SeverityInfo, reason, &score,
		func(account.Account) *account.Update {
			return &account.Update{TrustScore: &score, State: &state}
		})
}

func stateTo(state account.State) func(account.Account) *account.Update {
	return func(account.Account) *account.Update {
		return &account.Update{State: &state}
	}
}

func defaultReason(reason, def string) string {
	if r := validation.SanitizeString(reason, 500); r != "" {
		return r
	}
	return def
}

func (s *Service) override(ctx context.Context, accountID string, action OverrideAction, sev account.Severity,
	reason string, trustScore *int, update func(account.Account) *account.Update) (*OverrideResult, error) {
	if errs := validation.Validate(
		validation.Required("accountId", accountID),
		validation.ValidID("accountId", accountID),
	); errs != nil {
		return nil, errs
	}

	ctx, span := traces.StartSpan(ctx, "governance.Override",
		traces.AccountID(accountID), traces.Action(string(action)))
	defer span.End()

	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	payload := map[string]any{"action": string(action)}
	if reason = validation.SanitizeString(reason, 500); reason != "" {
		payload["reason"] = reason
	}
	if trustScore != nil {
		payload["trustScore"] = *trustScore
	}
	ev := &account.Event{
		ID:         idgen.WithPrefix("ovr_"),
		AccountID:  accountID,
		Type:       account.EventManualOverride,
		Severity:   sev,
		Source:     account.SourceManual,
		OccurredAt: s.clock.Now(),
		Payload:    payload,
	}

	var before account.Account
	acct, err := s.store.Commit(ctx, ev, nil, func(cur account.Account) (*account.Update, error) {
		before = cur
		ev.Payload["previousState"] = string(cur.State)
		ev.Payload["previousTrustScore"] = cur.TrustScore
		return update(cur), nil
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	metrics.AdminOverridesTotal.WithLabelValues(string(action)).Inc()
	if before.State != acct.State {
		metrics.StateTransitionsTotal.WithLabelValues(string(before.State), string(acct.State)).Inc()
	}
	s.log(ctx).Info("manual override applied",
		"account_id", accountID,
		"action", action,
		"reason", reason,
		"from_state", before.State,
		"to_state", acct.State,
		"trust_score", acct.TrustScore,
	)
	s.publish(ev, acct)
	return &OverrideResult{Action: action, Event: ev, Account: acct}, nil
}

// GetHealth returns the operator view of one account.
func (s *Service) GetHealth(ctx context.Context, accountID string) (*AccountHealth, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, account.EventQuery{AccountID: accountID, Limit: HealthSignals})
	if err != nil {
		return nil, err
	}

	h := &AccountHealth{
		AccountID:     acct.ID,
		Username:      acct.Username,
		State:         acct.State,
		TrustScore:    acct.TrustScore,
		RiskLevel:     s.policy.RiskFor(acct.TrustScore),
		RecentSignals: make([]Signal, 0, len(events)),
	}
	if len(events) > 0 {
		last := events[0].OccurredAt
		h.LastEventAt = &last
	}
	for _, ev := range events {
		h.RecentSignals = append(h.RecentSignals, Signal{
			ID:          ev.ID,
			AccountID:   ev.AccountID,
			Type:        ev.Type,
			Severity:    SignalSeverity(ev.Severity),
			Description: account.Describe(ev.Type, ev.Payload),
			Timestamp:   ev.OccurredAt,
			Metadata:    ev.Payload,
			Source:      ev.Source,
		})
	}
	return h, nil
}

// SignalSeverity maps event severity to the operator scale.
func SignalSeverity(sev account.Severity) string {
	if sev == account.SeverityDanger {
		return "CRITICAL"
	}
	return strings.ToUpper(string(sev))
}

// ListAccounts returns accounts newest first. cursor is the NextCursor of a
// previous page.
func (s *Service) ListAccounts(ctx context.Context, state account.State, limit int, cursor string) (*AccountPage, error) {
	if errs := validation.Validate(
		validation.OneOf("state", state, account.States...),
	); errs != nil {
		return nil, errs
	}
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, validation.ValidationErrors{{Field: "cursor", Message: "is invalid"}}
	}
	limit = pagination.Limit(limit)

	accts, err := s.store.ListAccounts(ctx, account.AccountQuery{State: state, Limit: limit + 1, Cursor: cur})
	if err != nil {
		return nil, err
	}
	accts, next := pagination.Page(accts, limit, func(a *account.Account) (time.Time, string) {
		return a.CreatedAt, a.ID
	})

	page := &AccountPage{Accounts: make([]AccountSummary, 0, len(accts)), NextCursor: next}
	for _, a := range accts {
		latest, err := s.store.FindLatestEvent(ctx, a.ID, account.EventFilter{})
		if err != nil {
			return nil, fmt.Errorf("latest event for %s: %w", a.ID, err)
		}
		sum := AccountSummary{
			AccountID:  a.ID,
			Username:   a.Username,
			State:      a.State,
			TrustScore: a.TrustScore,
			RiskLevel:  s.policy.RiskFor(a.TrustScore),
			CreatedAt:  a.CreatedAt,
		}
		if latest != nil {
			at := latest.OccurredAt
			sum.LastEventAt = &at
		}
		page.Accounts = append(page.Accounts, sum)
	}
	return page, nil
}

// RecentEvents returns the newest events, across all accounts when accountID
// is empty.
func (s *Service) RecentEvents(ctx context.Context, accountID string, limit int) ([]*account.Event, error) {
	return s.store.ListEvents(ctx, account.EventQuery{AccountID: accountID, Limit: pagination.Limit(limit)})
}

// RiskFor exposes the risk band of an account's current score.
func (s *Service) RiskFor(ctx context.Context, accountID string) (policy.RiskLevel, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return s.policy.RiskFor(acct.TrustScore), nil
}

func typeLabel(t account.EventType) string {
	if account.IsKnownEventType(t) {
		return string(t)
	}
	return "unknown"
}

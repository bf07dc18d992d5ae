// Package cooldown returns paused accounts to service once the event that
// penalized them has aged past its cooldown.
//
// Only the most recent qualifying event of a paused account is considered.
// Each recovery writes a COOLDOWN_RECOVERED marker whose id is derived from
// the qualifying event, together with the account update. The marker makes
// recovery for one qualifying event happen at most once; a later qualifying
// event starts a new episode.
package cooldown

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/clock"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/pagination"
	"github.com/mbd888/trustgate/internal/policy"
	"github.com/mbd888/trustgate/internal/syncutil"
	"github.com/mbd888/trustgate/internal/traces"
)

// ErrSweepInProgress is returned when Run is called while another run is active.
var ErrSweepInProgress = errors.New("cooldown: sweep already in progress")

var errNotPaused = errors.New("cooldown: account no longer paused")

const (
	defaultPageSize       = 200
	defaultAccountTimeout = 10 * time.Second
)

// Outcome is what happened to one paused account.
type Outcome string

const (
	OutcomeRecovered        Outcome = "recovered"
	OutcomeNoQualifying     Outcome = "no_qualifying_event"
	OutcomeCoolingDown      Outcome = "cooling_down"
	OutcomeAlreadyRecovered Outcome = "already_recovered"
	OutcomeNotPaused        Outcome = "not_paused"
)

// Result summarizes one sweep.
type Result struct {
	Scanned     int       `json:"scanned"`
	Recovered   int       `json:"recovered"`
	Skipped     int       `json:"skipped"`
	Errors      int       `json:"errors"`
	Interrupted bool      `json:"interrupted,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	Duration    string    `json:"duration"`
}

// RecoveryFunc observes a committed recovery.
type RecoveryFunc func(ctx context.Context, marker *account.Event, acct *account.Account)

// Sweeper scans paused accounts and recovers the eligible ones.
type Sweeper struct {
	store          account.Store
	policy         *policy.Policy
	clock          clock.Clock
	locks          *syncutil.KeyLocks
	logger         *slog.Logger
	onRecover      RecoveryFunc
	pageSize       int
	accountTimeout time.Duration
	running        atomic.Bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

// WithLocks shares the per-account lock pool with the other account writers.
func WithLocks(l *syncutil.KeyLocks) Option {
	return func(s *Sweeper) { s.locks = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// OnRecover registers fn to run after each committed recovery.
func OnRecover(fn RecoveryFunc) Option {
	return func(s *Sweeper) { s.onRecover = fn }
}

// WithPageSize sets how many paused accounts are read per store query.
func WithPageSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// NewSweeper creates a Sweeper.
func NewSweeper(store account.Store, pol *policy.Policy, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:          store,
		policy:         pol,
		clock:          clock.System(),
		locks:          syncutil.NewKeyLocks(),
		logger:         slog.Default(),
		pageSize:       defaultPageSize,
		accountTimeout: defaultAccountTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Running reports whether a sweep is in progress.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Run performs one sweep over every paused account. Overlapping calls fail
// fast with ErrSweepInProgress. Cancelling ctx stops the sweep between
// accounts; an account update that has started always completes.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		metrics.CooldownSweepsTotal.WithLabelValues("skipped").Inc()
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	ctx, span := traces.StartSpan(ctx, "cooldown.Sweep")
	defer span.End()

	res := &Result{StartedAt: s.clock.Now()}
	start := time.Now()
	err := s.sweep(ctx, res)
	elapsed := time.Since(start)
	res.Duration = elapsed.String()
	metrics.CooldownSweepDuration.Observe(elapsed.Seconds())

	switch {
	case err != nil && res.Interrupted:
		metrics.CooldownSweepsTotal.WithLabelValues("interrupted").Inc()
	case err != nil:
		metrics.CooldownSweepsTotal.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
	default:
		metrics.CooldownSweepsTotal.WithLabelValues("ok").Inc()
	}

	s.logger.Info("cooldown sweep finished",
		"scanned", res.Scanned,
		"recovered", res.Recovered,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"interrupted", res.Interrupted,
		"duration", res.Duration,
	)
	return res, err
}

func (s *Sweeper) sweep(ctx context.Context, res *Result) error {
	var cursor *pagination.Cursor
	for {
		page, err := s.store.ListAccounts(ctx, account.AccountQuery{
			State:  account.StatePaused,
			Limit:  s.pageSize,
			Cursor: cursor,
		})
		if err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
			}
			return err
		}

		for _, acct := range page {
			if err := ctx.Err(); err != nil {
				res.Interrupted = true
				return err
			}
			res.Scanned++

			outcome, err := s.recoverOne(ctx, acct.ID)
			switch {
			case err != nil:
				res.Errors++
				s.logger.Warn("cooldown recovery failed", "account_id", acct.ID, "error", err)
			case outcome == OutcomeRecovered:
				res.Recovered++
			default:
				res.Skipped++
				s.logger.Debug("cooldown recovery skipped", "account_id", acct.ID, "outcome", outcome)
			}
		}

		if len(page) < s.pageSize {
			return nil
		}
		last := page[len(page)-1]
		cursor = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

// recoverOne evaluates and, when eligible, recovers one account. It detaches
// from the caller's cancellation so an update is never abandoned halfway.
func (s *Sweeper) recoverOne(parent context.Context, accountID string) (Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.accountTimeout)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return "", err
	}
	defer unlock()

	latest, err := s.store.FindLatestEvent(ctx, accountID, account.EventFilter{Types: s.policy.CooldownTypes()})
	if err != nil {
		return "", err
	}
	if latest == nil {
		return OutcomeNoQualifying, nil
	}
	rule, ok := s.policy.Cooldown(latest.Type)
	if !ok {
		return OutcomeNoQualifying, nil
	}

	now := s.clock.Now()
	if now.Before(latest.OccurredAt.Add(rule.Cooldown())) {
		return OutcomeCoolingDown, nil
	}

	marker := &account.Event{
		ID:         MarkerID(latest.ID),
		AccountID:  accountID,
		Type:       account.EventCooldownRecovered,
		Severity:   account.SeverityInfo,
		Source:     account.SourceSystem,
		OccurredAt: now,
		Payload: map[string]any{
			"qualifyingEventId":   latest.ID,
			"qualifyingEventType": string(latest.Type),
			"cooldownMinutes":     rule.CooldownMinutes,
			"recoverTrust":        rule.RecoverTrust,
		},
	}

	var before account.Account
	acct, err := s.store.Commit(ctx, marker, nil, func(cur account.Account) (*account.Update, error) {
		if cur.State != account.StatePaused {
			return nil, errNotPaused
		}
		before = cur
		score := account.ClampTrust(cur.TrustScore + rule.RecoverTrust)
		state := account.StateActive
		return &account.Update{TrustScore: &score, State: &state}, nil
	})
	switch {
	case errors.Is(err, errNotPaused):
		return OutcomeNotPaused, nil
	case errors.Is(err, account.ErrDuplicateEvent):
		return OutcomeAlreadyRecovered, nil
	case err != nil:
		return "", err
	}

	metrics.CooldownRecoveriesTotal.WithLabelValues(string(latest.Type)).Inc()
	metrics.StateTransitionsTotal.WithLabelValues(string(before.State), string(acct.State)).Inc()
	s.logger.Info("account recovered from cooldown",
		"account_id", accountID,
		"qualifying_event_id", latest.ID,
		"qualifying_event_type", latest.Type,
		"trust_score", acct.TrustScore,
	)
	if s.onRecover != nil {
		s.onRecover(ctx, marker, acct)
	}
	return OutcomeRecovered, nil
}

// MarkerID is the COOLDOWN_RECOVERED event id for a qualifying event.
func MarkerID(qualifyingEventID string) string {
	return "cooldown:" + qualifyingEventID
}

// Package scoring applies score rules to accounts as events arrive.
//
// The engine is the only writer of rule-derived trust changes. Every write
// happens under the account's lock, so adjustments for one account land in
// the order their events were appended.
package scoring

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/policy"
	"github.com/mbd888/trustgate/internal/syncutil"
)

// Engine applies policy score rules.
type Engine struct {
	store  account.Store
	policy *policy.Policy
	locks  *syncutil.KeyLocks
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocks shares the per-account lock pool with other account writers.
func WithLocks(l *syncutil.KeyLocks) Option {
	return func(e *Engine) { e.locks = l }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a score engine over store and pol.
func NewEngine(store account.Store, pol *policy.Policy, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		policy: pol,
		locks:  syncutil.NewKeyLocks(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Next computes the score and state an account moves to after an event of
// type t. ok is false when t has no score rule.
func (e *Engine) Next(cur account.Account, t account.EventType) (score int, state account.State, ok bool) {
	rule, ok := e.policy.ScoreRule(t)
	if !ok {
		return cur.TrustScore, cur.State, false
	}
	score = account.ClampTrust(cur.TrustScore + rule.Delta)
	if rule.Freeze {
		return score, account.StateFrozen, true
	}
	return score, e.policy.StateFor(score), true
}

func (e *Engine) update(cur account.Account, t account.EventType) (*account.Update, bool) {
	score, state, ok := e.Next(cur, t)
	if !ok {
		return nil, false
	}
	return &account.Update{TrustScore: &score, State: &state}, true
}

// ApplyEventScore applies the rule for t to an existing account as one
// atomic store mutation. It is a no-op returning (nil, nil) when t is
// unconfigured or the account does not exist.
func (e *Engine) ApplyEventScore(ctx context.Context, accountID string, t account.EventType) (*account.Account, error) {
	if _, ok := e.policy.ScoreRule(t); !ok {
		return nil, nil
	}

	unlock, err := e.locks.Lock(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The store may retry the mutation; only the last invocation counts.
	var before account.Account
	next, err := e.store.Mutate(ctx, accountID, func(cur account.Account) (*account.Update, error) {
		before = cur
		upd, _ := e.update(cur, t)
		return upd, nil
	})
	if errors.Is(err, account.ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.observe(ctx, t, before, *next)
	return next, nil
}

// Record appends ev and applies its score rule as one atomic unit. When
// provision is non-nil an unknown account is created from it first.
func (e *Engine) Record(ctx context.Context, ev *account.Event, provision *account.Account) (*account.Account, error) {
	unlock, err := e.locks.Lock(ctx, ev.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The store may retry the mutation; only the last invocation counts.
	var before account.Account
	var scored bool
	acct, err := e.store.Commit(ctx, ev, provision, func(cur account.Account) (*account.Update, error) {
		before = cur
		upd, ok := e.update(cur, ev.Type)
		scored = ok
		return upd, nil
	})
	if err != nil {
		return nil, err
	}
	if scored {
		e.observe(ctx, ev.Type, before, *acct)
	}
	return acct, nil
}

func (e *Engine) observe(ctx context.Context, t account.EventType, before, after account.Account) {
	metrics.ScoreAdjustmentsTotal.WithLabelValues(string(t)).Inc()
	log := e.logger
	if id := logging.RequestID(ctx); id != "" {
		log = log.With("request_id", id)
	}
	if before.State != after.State {
		metrics.StateTransitionsTotal.WithLabelValues(string(before.State), string(after.State)).Inc()
		log.Info("account state changed",
			"account_id", after.ID,
			"event_type", t,
			"from", before.State,
			"to", after.State,
			"trust_score", after.TrustScore,
		)
		return
	}
	log.Debug("trust score adjusted",
		"account_id", after.ID,
		"event_type", t,
		"from", before.TrustScore,
		"to", after.TrustScore,
	)
}

// Package scheduler gates how often whole automation sequences may start.
//
// Two limits apply per account: a daily budget that depends on the account's
// risk level, and a minimum gap between consecutive sequences. The gap is
// stretched by a random amount of up to 40% so runs never fall into a fixed
// rhythm; it is never shortened.
//
// The daily budget window is rolling. ResetAt is always 24h after the moment
// the budget was computed, not the next calendar midnight, and callers count
// usedToday over the same rolling window.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/trustgate/internal/clock"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/policy"
	"github.com/mbd888/trustgate/internal/validation"
)

// Denial reasons.
const (
	ReasonDailyLimitReached = "DAILY_LIMIT_REACHED"
	ReasonCooldownActive    = "COOLDOWN_ACTIVE"
)

// BudgetWindow is the span a daily budget covers.
const BudgetWindow = 24 * time.Hour

// MaxJitter is the largest fraction by which the minimum gap is stretched.
const MaxJitter = 0.4

// Budget reports the sequences left for a risk level.
type Budget struct {
	RiskLevel      policy.RiskLevel `json:"riskLevel"`
	DailySequences int              `json:"dailySequences"`
	Used           int              `json:"used"`
	Remaining      int              `json:"remaining"`
	ResetAt        time.Time        `json:"resetAt"`
}

// Decision is the outcome of CanScheduleSequence.
type Decision struct {
	Allowed        bool             `json:"allowed"`
	Reason         string           `json:"reason,omitempty"`
	Message        string           `json:"message,omitempty"`
	RiskLevel      policy.RiskLevel `json:"riskLevel"`
	Remaining      int              `json:"remaining"`
	ResetAt        time.Time        `json:"resetAt"`
	NextEligibleAt *time.Time       `json:"nextEligibleAt,omitempty"`
}

// Scheduler evaluates sequence budgets and cadence.
type Scheduler struct {
	policy *policy.Policy
	clock  clock.Clock
	rand   clock.Rand
	logger *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand sets the jitter source.
func WithRand(r clock.Rand) Option {
	return func(s *Scheduler) { s.rand = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler over pol's budget table.
func New(pol *policy.Policy, opts ...Option) *Scheduler {
	s := &Scheduler{
		policy: pol,
		clock:  clock.System(),
		rand:   clock.NewRand(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) budgetFor(level policy.RiskLevel, used int) (policy.Budget, error) {
	if errs := validation.Validate(
		validation.Required("riskLevel", string(level)),
		validation.OneOf("riskLevel", level, policy.RiskLevels...),
		validation.IntRange("usedToday", used, 0, 1<<31-1),
	); errs != nil {
		return policy.Budget{}, errs
	}
	b, ok := s.policy.Budget(level)
	if !ok {
		return policy.Budget{}, validation.ValidationErrors{{Field: "riskLevel", Message: "has no budget"}}
	}
	return b, nil
}

// ComputeDailyBudget returns how many sequences remain for level after used
// have already run in the current rolling window.
func (s *Scheduler) ComputeDailyBudget(level policy.RiskLevel, used int) (*Budget, error) {
	b, err := s.budgetFor(level, used)
	if err != nil {
		return nil, err
	}
	return &Budget{
		RiskLevel:      level,
		DailySequences: b.DailySequences,
		Used:           used,
		Remaining:      max(0, b.DailySequences-used),
		ResetAt:        s.clock.Now().Add(BudgetWindow),
	}, nil
}

// ComputeNextEligibleTime returns when the next sequence may start: last (or
// now when last is nil) plus minGap plus a random extra in [0, 0.4*minGap).
func (s *Scheduler) ComputeNextEligibleTime(last *time.Time, minGap time.Duration) time.Time {
	from := s.clock.Now()
	if last != nil {
		from = *last
	}
	if minGap <= 0 {
		return from
	}
	jitter := time.Duration(s.rand.Float64() * MaxJitter * float64(minGap))
	return from.Add(minGap + jitter)
}

// CanScheduleSequence checks the daily budget first and cadence second. With
// no previous sequence the gap is measured from now, so a first run waits
// out the minimum gap unless the budget's gap is zero.
func (s *Scheduler) CanScheduleSequence(ctx context.Context, level policy.RiskLevel, used int, last *time.Time) (*Decision, error) {
	budget, err := s.ComputeDailyBudget(level, used)
	if err != nil {
		return nil, err
	}
	b, _ := s.policy.Budget(level)

	d := &Decision{
		RiskLevel: level,
		Remaining: budget.Remaining,
		ResetAt:   budget.ResetAt,
	}
	if budget.Remaining <= 0 {
		d.Reason = ReasonDailyLimitReached
		d.Message = fmt.Sprintf("%d of %d daily sequences used", used, budget.DailySequences)
	} else if next := s.ComputeNextEligibleTime(last, time.Duration(b.MinGapMinutes)*time.Minute); s.clock.Now().Before(next) {
		d.Reason = ReasonCooldownActive
		d.Message = "minimum gap before the next sequence has not elapsed"
		d.NextEligibleAt = &next
	} else {
		d.Allowed = true
	}

	metrics.ScheduleDecisionsTotal.WithLabelValues(metrics.Decision(d.Allowed), d.Reason).Inc()
	if !d.Allowed {
		log := s.logger
		if id := logging.RequestID(ctx); id != "" {
			log = log.With("request_id", id)
		}
		log.Info("sequence scheduling denied", "risk_level", level, "used_today", used, "reason", d.Reason)
	}
	return d, nil
}

// Package ratelimit bounds how often an account may perform one action.
//
// Each admitted attempt is recorded as an ACTION_ATTEMPTED event, and the
// sliding window is a count over those events. The count and the append are
// one atomic step per (account, action), so concurrent callers can never
// admit more than the rule's max inside a window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/clock"
	"github.com/mbd888/trustgate/internal/idgen"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/policy"
	"github.com/mbd888/trustgate/internal/syncutil"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/validation"
)

// ReasonExceeded is the denial code for a full window.
const ReasonExceeded = "RATE_LIMIT_EXCEEDED"

// ContextKey is where Middleware stores the *Decision for downstream handlers.
const ContextKey = "rate_limit_decision"

// Decision is the outcome of one evaluation.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	AccountID string `json:"accountId"`
	Action    string `json:"action"`

	// Count is the number of attempts already inside the window.
	Count             int `json:"count"`
	Max               int `json:"max,omitempty"`
	WindowSeconds     int `json:"windowSeconds,omitempty"`
	RetryAfterSeconds int `json:"retryAfterSeconds,omitempty"`
}

// Emitter receives the RATE_LIMIT_WARNING produced by a denial. The warning
// goes through normal ingestion so it is scored like any other event.
type Emitter interface {
	EmitSystemEvent(ctx context.Context, ev *account.Event) error
}

// Limiter evaluates per-action rate limit rules.
type Limiter struct {
	store   account.Store
	policy  *policy.Policy
	emitter Emitter
	clock   clock.Clock
	locks   *syncutil.KeyLocks
	logger  *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) { l.logger = lg }
}

// New creates a Limiter. emitter may be nil, in which case denials are not
// reported back into the event log.
func New(store account.Store, pol *policy.Policy, emitter Emitter, opts ...Option) *Limiter {
	l := &Limiter{
		store:   store,
		policy:  pol,
		emitter: emitter,
		clock:   clock.System(),
		locks:   syncutil.NewKeyLocks(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Evaluate admits or denies one attempt of action by accountID. Actions with
// no configured rule are always allowed and leave no trace in the log.
func (l *Limiter) Evaluate(ctx context.Context, accountID, action string) (*Decision, error) {
	if errs := validation.Validate(
		validation.Required("accountId", accountID),
		validation.ValidID("accountId", accountID),
		validation.Required("action", action),
		validation.MaxLength("action", action, validation.MaxIDLength),
	); errs != nil {
		return nil, errs
	}

	ctx, span := traces.StartSpan(ctx, "ratelimit.Evaluate", traces.AccountID(accountID), traces.Action(action))
	defer span.End()

	rule, ok := l.policy.RateLimit(action)
	if !ok {
		metrics.RateLimitDecisionsTotal.WithLabelValues("unconfigured", metrics.Decision(true)).Inc()
		span.SetAttributes(traces.Allowed(true))
		return &Decision{Allowed: true, AccountID: accountID, Action: action}, nil
	}

	count, admitted, err := l.attempt(ctx, accountID, action, rule)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	d := &Decision{
		Allowed:       admitted,
		AccountID:     accountID,
		Action:        action,
		Count:         count,
		Max:           rule.Max,
		WindowSeconds: rule.WindowSeconds,
	}
	metrics.RateLimitDecisionsTotal.WithLabelValues(action, metrics.Decision(admitted)).Inc()
	span.SetAttributes(traces.Allowed(admitted))
	if admitted {
		return d, nil
	}

	d.Reason = ReasonExceeded
	d.Message = fmt.Sprintf("%d %s attempts in the last %ds (max %d)", count, action, rule.WindowSeconds, rule.Max)
	d.RetryAfterSeconds = rule.CooldownSeconds
	if d.RetryAfterSeconds == 0 {
		d.RetryAfterSeconds = rule.WindowSeconds
	}
	span.SetAttributes(traces.Reason(d.Reason))

	log := l.log(ctx).With("account_id", accountID, "action", action, "count", count, "max", rule.Max)
	log.Info("rate limit exceeded", "reason", d.Reason)
	l.warn(ctx, log, d)
	return d, nil
}

// attempt runs the count-then-append step under the (account, action) lock.
func (l *Limiter) attempt(ctx context.Context, accountID, action string, rule policy.RateLimitRule) (int, bool, error) {
	unlock, err := l.locks.Lock(ctx, syncutil.Key(accountID, action))
	if err != nil {
		return 0, false, err
	}
	defer unlock()

	if _, err := l.store.EnsureAccount(ctx, l.policy.NewAccount(accountID, "")); err != nil {
		return 0, false, err
	}

	now := l.clock.Now()
	ev := &account.Event{
		ID:         idgen.WithPrefix("att_"),
		AccountID:  accountID,
		Type:       account.EventActionAttempted,
		Severity:   account.SeverityInfo,
		Source:     account.SourceSystem,
		OccurredAt: now,
		Payload:    map[string]any{"action": action},
	}
	filter := account.EventFilter{
		Types:   []account.EventType{account.EventActionAttempted},
		Payload: map[string]string{"action": action},
	}
	return l.store.AppendIfUnder(ctx, ev, filter, now.Add(-rule.Window()), rule.Max)
}

// warn reports a denial into the event log. It runs after the window lock is
// released since ingestion takes the account lock.
func (l *Limiter) warn(ctx context.Context, log *slog.Logger, d *Decision) {
	if l.emitter == nil {
		return
	}
	ev := &account.Event{
		ID:         idgen.WithPrefix("rlw_"),
		AccountID:  d.AccountID,
		Type:       account.EventRateLimitWarning,
		Severity:   account.SeverityWarning,
		Source:     account.SourceSystem,
		OccurredAt: l.clock.Now(),
		Payload: map[string]any{
			"action":        d.Action,
			"count":         d.Count,
			"max":           d.Max,
			"windowSeconds": d.WindowSeconds,
			"reason":        d.Reason,
		},
	}
	if err := l.emitter.EmitSystemEvent(ctx, ev); err != nil {
		log.Warn("failed to record rate limit warning", "error", err)
	}
}

func (l *Limiter) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return l.logger.With("request_id", id)
	}
	return l.logger
}

// Middleware gates a route on the rate limit for action. The account comes
// from the path, query or JSON body.
func (l *Limiter) Middleware(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := validation.AccountIDFromRequest(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "missing_account_id",
				"message": "accountId is required",
			})
			return
		}

		d, err := l.Evaluate(c.Request.Context(), accountID, action)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(ContextKey, d)
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":    "rate_limit_exceeded",
				"message":  d.Message,
				"decision": d,
			})
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}
	logging.L(c.Request.Context()).Error("rate limit evaluation failed", "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "rate limit evaluation failed",
	})
}

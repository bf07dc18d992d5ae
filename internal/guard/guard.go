// Package guard decides whether an account may start an automation sequence.
//
// The guard runs once per sequence. Individual actions inside the sequence
// are still subject to the per-action rate limiter.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/policy"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/internal/validation"
)

// Denial reasons and the advisory warning.
const (
	ReasonAccountNotFound  = "ACCOUNT_NOT_FOUND"
	ReasonAccountNotActive = "ACCOUNT_NOT_ACTIVE"
	ReasonRiskHigh         = "RISK_HIGH"

	WarningRiskMedium = "RISK_MEDIUM_PROCEED_CAUTIOUSLY"
)

// WarningHeader carries the advisory warning on allowed requests.
const WarningHeader = "X-Automation-Guard-Warning"

// ContextKey is where Middleware stores the *Decision.
const ContextKey = "guard_decision"

// Decision is the guard outcome for one account.
type Decision struct {
	Allowed    bool             `json:"allowed"`
	Reason     string           `json:"reason,omitempty"`
	Message    string           `json:"message,omitempty"`
	Warning    string           `json:"warning,omitempty"`
	AccountID  string           `json:"accountId"`
	State      account.State    `json:"state,omitempty"`
	RiskLevel  policy.RiskLevel `json:"riskLevel,omitempty"`
	TrustScore int              `json:"trustScore"`
}

// Guard evaluates account-level admission.
type Guard struct {
	store  account.Store
	policy *policy.Policy
	logger *slog.Logger
}

// New creates a Guard.
func New(store account.Store, pol *policy.Policy, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, policy: pol, logger: logger}
}

// Evaluate returns the decision for accountID. Unknown accounts are denied.
// Only storage failures are returned as errors.
func (g *Guard) Evaluate(ctx context.Context, accountID string) (*Decision, error) {
	ctx, span := traces.StartSpan(ctx, "guard.Evaluate", traces.AccountID(accountID))
	defer span.End()

	d, err := g.evaluate(ctx, accountID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.Allowed(d.Allowed), traces.Reason(d.Reason))

	reason := d.Reason
	if reason == "" {
		reason = d.Warning
	}
	metrics.GuardDecisionsTotal.WithLabelValues(metrics.Decision(d.Allowed), reason).Inc()
	if !d.Allowed {
		g.log(ctx).Info("automation guard denied",
			"account_id", accountID,
			"reason", d.Reason,
			"state", d.State,
			"trust_score", d.TrustScore,
		)
	}
	return d, nil
}

func (g *Guard) evaluate(ctx context.Context, accountID string) (*Decision, error) {
	acct, err := g.store.GetAccount(ctx, accountID)
	if errors.Is(err, account.ErrAccountNotFound) {
		return &Decision{
			AccountID: accountID,
			Reason:    ReasonAccountNotFound,
			Message:   "account is not registered",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	d := &Decision{
		AccountID:  acct.ID,
		State:      acct.State,
		RiskLevel:  g.policy.RiskFor(acct.TrustScore),
		TrustScore: acct.TrustScore,
	}
	switch {
	case acct.State != account.StateActive:
		d.Reason = ReasonAccountNotActive
		d.Message = fmt.Sprintf("account is %s", acct.State)
	case d.RiskLevel == policy.RiskHigh:
		d.Reason = ReasonRiskHigh
		d.Message = fmt.Sprintf("trust score %d is in the HIGH risk band", acct.TrustScore)
	case d.RiskLevel == policy.RiskMedium:
		d.Allowed = true
		d.Warning = WarningRiskMedium
	default:
		d.Allowed = true
	}
	return d, nil
}

func (g *Guard) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return g.logger.With("request_id", id)
	}
	return g.logger
}

// Middleware admits a request only when the guard allows its account.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID, err := validation.AccountIDFromRequest(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "missing_account_id",
				"message": "accountId is required",
			})
			return
		}

		d, err := g.Evaluate(c.Request.Context(), accountID)
		if err != nil {
			logging.L(c.Request.Context()).Error("guard evaluation failed", "account_id", accountID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "guard evaluation failed",
			})
			return
		}
		c.Set(ContextKey, d)
		if !d.Allowed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "automation_blocked",
				"message":  d.Message,
				"decision": d,
			})
			return
		}
		if d.Warning != "" {
			c.Header(WarningHeader, d.Warning)
		}
		c.Next()
	}
}

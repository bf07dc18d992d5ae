package governance

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/account"
	"github.com/mbd888/trustgate/internal/cooldown"
	"github.com/mbd888/trustgate/internal/guard"
	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/policy"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/realtime"
	"github.com/mbd888/trustgate/internal/scheduler"
	"github.com/mbd888/trustgate/internal/validation"
)

// ActionComment is the rate-limited action behind POST /v1/automation/comment.
const ActionComment = "COMMENT"

// DefaultSweepTimeout bounds a sweep started over HTTP.
const DefaultSweepTimeout = 5 * time.Minute

// Handler provides HTTP endpoints for governance and automation checks.
type Handler struct {
	service   *Service
	guard     *guard.Guard
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Scheduler
	sweeper   *cooldown.Sweeper
	hub       *realtime.Hub

	sweepTimeout time.Duration
}

// Deps are the engines the handler exposes next to the service.
type Deps struct {
	Guard     *guard.Guard
	Limiter   *ratelimit.Limiter
	Scheduler *scheduler.Scheduler
	Sweeper   *cooldown.Sweeper
	Hub       *realtime.Hub

	// SweepTimeout bounds POST /admin/cooldown/sweep. Zero means DefaultSweepTimeout.
	SweepTimeout time.Duration
}

// NewHandler creates a new governance handler.
func NewHandler(service *Service, deps Deps) *Handler {
	h := &Handler{
		service:      service,
		guard:        deps.Guard,
		limiter:      deps.Limiter,
		scheduler:    deps.Scheduler,
		sweeper:      deps.Sweeper,
		hub:          deps.Hub,
		sweepTimeout: deps.SweepTimeout,
	}
	if h.sweepTimeout <= 0 {
		h.sweepTimeout = DefaultSweepTimeout
	}
	return h
}

// RegisterRoutes sets up event, account and automation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.GetPolicy)

	r.POST("/events", h.SubmitEvent)
	r.GET("/events", h.ListEvents)
	if h.hub != nil {
		r.GET("/events/stream", gin.WrapF(h.hub.HandleWebSocket))
	}

	accounts := r.Group("/accounts", validation.AccountParamMiddleware())
	accounts.GET("", h.ListAccounts)
	accounts.GET("/:id/health", h.GetHealth)

	automation := r.Group("/automation")
	automation.POST("/guard", h.EvaluateGuard)
	automation.POST("/rate-limit", h.EvaluateRateLimit)
	automation.POST("/schedule", h.CanScheduleSequence)
	automation.POST("/comment", h.guard.Middleware(), h.limiter.Middleware(ActionComment), h.PostComment)
}

// RegisterAdminRoutes sets up manual override routes. Callers are expected
// to put them behind admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts", validation.AccountParamMiddleware())
	accounts.POST("/:id/pause", h.Pause)
	accounts.POST("/:id/resume", h.Resume)
	accounts.POST("/:id/freeze", h.Freeze)
	accounts.POST("/:id/reset-trust", h.ResetTrust)

	r.POST("/cooldown/sweep", h.RunCooldownSweep)
}

// GetPolicy handles GET /v1/policy
func (h *Handler) GetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": h.service.Policy().Config()})
}

// SubmitEvent handles POST /v1/events
func (h *Handler) SubmitEvent(c *gin.Context) {
	var in account.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	res, err := h.service.SubmitEvent(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ListEvents handles GET /v1/events
func (h *Handler) ListEvents(c *gin.Context) {
	accountID := c.Query("accountId")
	if accountID != "" && !validation.IsValidID(accountID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "accountId must be an identifier",
		})
		return
	}

	events, err := h.service.RecentEvents(c.Request.Context(), accountID, queryInt(c, "limit"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListAccounts handles GET /v1/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	state := account.State(strings.ToUpper(c.Query("state")))
	page, err := h.service.ListAccounts(c.Request.Context(), state, queryInt(c, "limit"), c.Query("cursor"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetHealth handles GET /v1/accounts/:id/health
func (h *Handler) GetHealth(c *gin.Context) {
	health, err := h.service.GetHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

type guardRequest struct {
	AccountID string `json:"accountId"`
}

// EvaluateGuard handles POST /v1/automation/guard. A denial is a 200 with
// allowed=false; the status code only reports whether the check ran.
func (h *Handler) EvaluateGuard(c *gin.Context) {
	var req guardRequest
	if !bindJSON(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("accountId", req.AccountID),
		validation.ValidID("accountId", req.AccountID),
	); errs != nil {
		respondError(c, errs)
		return
	}

	d, err := h.guard.Evaluate(c.Request.Context(), req.AccountID)
	if err != nil {
		respondError(c, err)
		return
	}
	if d.Warning != "" {
		c.Header(guard.WarningHeader, d.Warning)
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

type rateLimitRequest struct {
	AccountID string `json:"accountId"`
	Action    string `json:"action"`
}

// EvaluateRateLimit handles POST /v1/automation/rate-limit. An allowed
// decision counts as an attempt.
func (h *Handler) EvaluateRateLimit(c *gin.Context) {
	var req rateLimitRequest
	if !bindJSON(c, &req) {
		return
	}

	d, err := h.limiter.Evaluate(c.Request.Context(), req.AccountID, strings.ToUpper(req.Action))
	if err != nil {
		respondError(c, err)
		return
	}
	if !d.Allowed {
		c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

type scheduleRequest struct {
	AccountID      string     `json:"accountId"`
	RiskLevel      string     `json:"riskLevel"`
	UsedToday      int        `json:"usedToday"`
	LastExecutedAt *time.Time `json:"lastExecutedAt"`
}

// CanScheduleSequence handles POST /v1/automation/schedule. Without an
// explicit riskLevel the account's current risk band is used.
func (h *Handler) CanScheduleSequence(c *gin.Context) {
	var req scheduleRequest
	if !bindJSON(c, &req) {
		return
	}

	level := policy.RiskLevel(strings.ToUpper(req.RiskLevel))
	if level == "" {
		if req.AccountID == "" || !validation.IsValidID(req.AccountID) {
			respondError(c, validation.ValidationErrors{{Field: "riskLevel", Message: "is required without a valid accountId"}})
			return
		}
		var err error
		if level, err = h.service.RiskFor(c.Request.Context(), req.AccountID); err != nil {
			respondError(c, err)
			return
		}
	}

	d, err := h.scheduler.CanScheduleSequence(c.Request.Context(), level, req.UsedToday, req.LastExecutedAt)
	if err != nil {
		respondError(c, err)
		return
	}
	budget, err := h.scheduler.ComputeDailyBudget(level, req.UsedToday)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d, "budget": budget})
}

// PostComment handles POST /v1/automation/comment once the guard and the
// COMMENT rate limit have admitted it.
func (h *Handler) PostComment(c *gin.Context) {
	accountID, _ := validation.AccountIDFromRequest(c)
	c.JSON(http.StatusOK, gin.H{
		"status":    "comment_posted",
		"accountId": accountID,
	})
}

type overrideRequest struct {
	Reason     string `json:"reason"`
	TrustScore *int   `json:"trustScore"`
}

// Pause handles POST /v1/admin/accounts/:id/pause
func (h *Handler) Pause(c *gin.Context) {
	h.override(c, h.service.Pause)
}

// Resume handles POST /v1/admin/accounts/:id/resume
func (h *Handler) Resume(c *gin.Context) {
	h.override(c, h.service.Resume)
}

// Freeze handles POST /v1/admin/accounts/:id/freeze
func (h *Handler) Freeze(c *gin.Context) {
	h.override(c, h.service.Freeze)
}

// ResetTrust handles POST /v1/admin/accounts/:id/reset-trust
func (h *Handler) ResetTrust(c *gin.Context) {
	var req overrideRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.service.ResetTrust(c.Request.Context(), c.Param("id"), req.TrustScore, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) override(c *gin.Context, apply func(ctx context.Context, id, reason string) (*OverrideResult, error)) {
	var req overrideRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := apply(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunCooldownSweep handles POST /v1/admin/cooldown/sweep. The sweep outlives
// the request deadline and client disconnects, bounded by sweepTimeout. A
// sweep cut short by that bound still reports what it did.
func (h *Handler) RunCooldownSweep(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.sweepTimeout)
	defer cancel()

	res, err := h.sweeper.Run(ctx)
	if errors.Is(err, cooldown.ErrSweepInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "sweep_in_progress",
			"message": "A cooldown sweep is already running",
		})
		return
	}
	if err != nil && (res == nil || !res.Interrupted) {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": res})
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dst)
}

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

func respondError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, account.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Account not found",
		})
	case errors.Is(err, account.ErrDuplicateEvent):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "duplicate_event",
			"message": "An event with this eventId was already recorded",
		})
	default:
		logging.L(c.Request.Context()).Error("governance request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}

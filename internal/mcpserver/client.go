package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/trustgate/internal/circuitbreaker"
)

// errUnavailable marks failures that say nothing about the request itself:
// transport errors and 5xx responses. Only these trip the breaker.
var errUnavailable = errors.New("trustgate API unavailable")

// Config holds the configuration for connecting to a trustgate API.
type Config struct {
	APIURL    string // Base URL, e.g. "http://localhost:8080"
	AccountID string // Account used when a tool call names none
	Timeout   time.Duration

	// BreakerThreshold consecutive unavailable responses open the circuit
	// for BreakerCooldown. Defaults: 5 and 30s.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Client is a pure HTTP client for the trustgate governance API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a new client for the trustgate API.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
// While the API keeps failing, calls are rejected without a round trip.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.breaker.Do(c.cfg.APIURL, isUnavailable, func() error {
		var err error
		out, err = c.send(ctx, method, path, query, body)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, fmt.Errorf("%w: circuit open, retry later", errUnavailable)
	}
	return out, err
}

func isUnavailable(err error) bool {
	return errors.Is(err, errUnavailable)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := string(respBody)
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: API error (%d): %s", errUnavailable, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	}

	return json.RawMessage(respBody), nil
}

func (c *Client) account(id string) string {
	if id != "" {
		return id
	}
	return c.cfg.AccountID
}

// AccountHealth returns the operator view of an account.
func (c *Client) AccountHealth(ctx context.Context, accountID string) (json.RawMessage, error) {
	path := "/v1/accounts/" + url.PathEscape(c.account(accountID)) + "/health"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// EvaluateGuard asks whether the account may start a sequence.
func (c *Client) EvaluateGuard(ctx context.Context, accountID string) (json.RawMessage, error) {
	body := map[string]string{"accountId": c.account(accountID)}
	return c.doRequest(ctx, http.MethodPost, "/v1/automation/guard", nil, body)
}

// CheckRateLimit records one attempt of action when it is admitted.
func (c *Client) CheckRateLimit(ctx context.Context, accountID, action string) (json.RawMessage, error) {
	body := map[string]string{"accountId": c.account(accountID), "action": action}
	return c.doRequest(ctx, http.MethodPost, "/v1/automation/rate-limit", nil, body)
}

// ScheduleRequest is the input of CanScheduleSequence.
type ScheduleRequest struct {
	AccountID      string     `json:"accountId,omitempty"`
	RiskLevel      string     `json:"riskLevel,omitempty"`
	UsedToday      int        `json:"usedToday"`
	LastExecutedAt *time.Time `json:"lastExecutedAt,omitempty"`
}

// CanScheduleSequence checks the daily budget and cadence.
func (c *Client) CanScheduleSequence(ctx context.Context, req ScheduleRequest) (json.RawMessage, error) {
	if req.RiskLevel == "" {
		req.AccountID = c.account(req.AccountID)
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/automation/schedule", nil, req)
}

// ReportEvent submits an automation event.
func (c *Client) ReportEvent(ctx context.Context, ev map[string]any) (json.RawMessage, error) {
	if id, _ := ev["accountId"].(string); id == "" {
		ev["accountId"] = c.cfg.AccountID
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/events", nil, ev)
}

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/trustgate/internal/idgen"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// HandleAccountHealth describes an account.
func (h *Handlers) HandleAccountHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.AccountHealth(ctx, req.GetString("account_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account health: %v", err)), nil
	}

	text, err := formatHealth(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account health: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEvaluateGuard runs the automation guard.
func (h *Handlers) HandleEvaluateGuard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.EvaluateGuard(ctx, req.GetString("account_id", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate guard: %v", err)), nil
	}

	d, err := decodeDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse guard decision: %v", err)), nil
	}

	var sb strings.Builder
	writeVerdict(&sb, "Sequence", d)
	if v, ok := getFloat(d, "trustScore"); ok {
		fmt.Fprintf(&sb, "Trust score: %.0f\n", v)
	}
	if v := getString(d, "riskLevel"); v != "" {
		fmt.Fprintf(&sb, "Risk level: %s\n", v)
	}
	if v := getString(d, "warning"); v != "" {
		fmt.Fprintf(&sb, "Warning: %s\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCheckRateLimit consumes one attempt of an action.
func (h *Handlers) HandleCheckRateLimit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := strings.ToUpper(strings.TrimSpace(req.GetString("action", "")))
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	raw, err := h.client.CheckRateLimit(ctx, req.GetString("account_id", ""), action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check rate limit: %v", err)), nil
	}

	d, err := decodeDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rate limit decision: %v", err)), nil
	}

	var sb strings.Builder
	writeVerdict(&sb, action, d)
	if maxN, ok := getFloat(d, "max"); ok && maxN > 0 {
		count, _ := getFloat(d, "count")
		window, _ := getFloat(d, "windowSeconds")
		fmt.Fprintf(&sb, "Usage: %.0f of %.0f in the last %.0fs\n", count, maxN, window)
	}
	if v, ok := getFloat(d, "retryAfterSeconds"); ok && v > 0 {
		fmt.Fprintf(&sb, "Retry after: %.0fs\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCanScheduleSequence checks budget and cadence for a new sequence.
func (h *Handlers) HandleCanScheduleSequence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sr := ScheduleRequest{
		AccountID: req.GetString("account_id", ""),
		RiskLevel: strings.ToUpper(req.GetString("risk_level", "")),
		UsedToday: req.GetInt("used_today", 0),
	}
	if s := req.GetString("last_executed_at", ""); s != "" {
		last, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return mcp.NewToolResultError("last_executed_at must be an RFC 3339 time"), nil
		}
		sr.LastExecutedAt = &last
	}

	raw, err := h.client.CanScheduleSequence(ctx, sr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check schedule: %v", err)), nil
	}

	d, err := decodeDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse schedule decision: %v", err)), nil
	}

	var sb strings.Builder
	writeVerdict(&sb, "Sequence", d)
	fmt.Fprintf(&sb, "Risk level: %s\n", getString(d, "riskLevel"))
	if v, ok := getFloat(d, "remaining"); ok {
		fmt.Fprintf(&sb, "Remaining today: %.0f (resets %s)\n", v, getString(d, "resetAt"))
	}
	if v := getString(d, "nextEligibleAt"); v != "" {
		fmt.Fprintf(&sb, "Next eligible at: %s\n", v)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReportEvent submits an event for the account.
func (h *Handlers) HandleReportEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType := strings.ToUpper(strings.TrimSpace(req.GetString("event_type", "")))
	if eventType == "" {
		return mcp.NewToolResultError("event_type is required"), nil
	}

	payload := map[string]any{}
	if raw := req.GetArguments()["payload"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			payload = m
		}
	}
	ev := map[string]any{
		"eventId":    req.GetString("event_id", idgen.WithPrefix("mcp_")),
		"accountId":  req.GetString("account_id", ""),
		"eventType":  eventType,
		"severity":   req.GetString("severity", "info"),
		"source":     "automation_worker",
		"occurredAt": h.now().Format(time.RFC3339Nano),
		"payload":    payload,
	}
	if s := req.GetString("session_id", ""); s != "" {
		ev["sessionId"] = s
	}

	raw, err := h.client.ReportEvent(ctx, ev)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to report event: %v", err)), nil
	}

	var resp struct {
		Event   map[string]any `json:"event"`
		Account map[string]any `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse event response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Recorded %s (%s)\n", eventType, getString(resp.Event, "eventId"))
	fmt.Fprintf(&sb, "Account %s is now %s", getString(resp.Account, "accountId"), getString(resp.Account, "state"))
	if v, ok := getFloat(resp.Account, "trustScore"); ok {
		fmt.Fprintf(&sb, " with trust score %.0f", v)
	}
	sb.WriteString("\n")
	return mcp.NewToolResultText(sb.String()), nil
}

func decodeDecision(raw json.RawMessage) (map[string]any, error) {
	var resp struct {
		Decision map[string]any `json:"decision"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	if resp.Decision == nil {
		return nil, fmt.Errorf("no decision in response: %s", string(raw))
	}
	return resp.Decision, nil
}

func writeVerdict(sb *strings.Builder, subject string, d map[string]any) {
	if allowed, _ := d["allowed"].(bool); allowed {
		fmt.Fprintf(sb, "%s: ALLOWED\n", subject)
		return
	}
	fmt.Fprintf(sb, "%s: DENIED (%s)\n", subject, getString(d, "reason"))
	if v := getString(d, "message"); v != "" {
		fmt.Fprintf(sb, "Reason: %s\n", v)
	}
}

func formatHealth(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Account %s", getString(m, "accountId"))
	if v := getString(m, "username"); v != "" {
		fmt.Fprintf(&sb, " (@%s)", v)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  State: %s\n", getString(m, "state"))
	if v, ok := getFloat(m, "trustScore"); ok {
		fmt.Fprintf(&sb, "  Trust score: %.0f\n", v)
	}
	fmt.Fprintf(&sb, "  Risk level: %s\n", getString(m, "riskLevel"))
	if v := getString(m, "lastEventAt"); v != "" {
		fmt.Fprintf(&sb, "  Last event: %s\n", v)
	}

	signals, _ := m["recentSignals"].([]any)
	if len(signals) == 0 {
		sb.WriteString("\nNo recent signals.")
		return sb.String(), nil
	}
	sb.WriteString("\nRecent signals:\n")
	for i, s := range signals {
		sig, ok := s.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "%d. [%s] %s: %s\n", i+1,
			getString(sig, "severity"), getString(sig, "type"), getString(sig, "description"))
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

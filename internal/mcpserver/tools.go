package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the trustgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAccountHealth = mcp.NewTool("account_health",
	mcp.WithDescription(
		"Get the health of a governed automation account: state (ACTIVE, PAUSED, FROZEN), "+
			"trust score from 0 to 100, risk level and the five most recent signals. "+
			"Check this before planning work for an account."),
	mcp.WithString("account_id",
		mcp.Description("Account to inspect. Defaults to the account this server was started for.")),
)

var ToolEvaluateGuard = mcp.NewTool("evaluate_guard",
	mcp.WithDescription(
		"Ask whether an account may start an automation sequence right now. "+
			"Denied when the account is not ACTIVE or its risk is HIGH. "+
			"A MEDIUM risk is allowed with a warning to proceed cautiously."),
	mcp.WithString("account_id",
		mcp.Description("Account to check. Defaults to the account this server was started for.")),
)

var ToolCheckRateLimit = mcp.NewTool("check_rate_limit",
	mcp.WithDescription(
		"Check and consume one attempt of an action (COMMENT, POST, FOLLOW, LIKE, DM) for an account. "+
			"An allowed answer counts as an attempt, so call this immediately before acting. "+
			"A denial carries retryAfterSeconds and lowers the account's trust score."),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Action name in upper snake case, e.g. 'COMMENT'")),
	mcp.WithString("account_id",
		mcp.Description("Account acting. Defaults to the account this server was started for.")),
)

var ToolCanScheduleSequence = mcp.NewTool("can_schedule_sequence",
	mcp.WithDescription(
		"Ask whether another automation sequence may be scheduled, given how many already ran "+
			"in the last 24 hours and when the previous one ran. "+
			"A denial for cadence returns nextEligibleAt."),
	mcp.WithNumber("used_today",
		mcp.Required(),
		mcp.Description("Sequences already run in the last 24 hours")),
	mcp.WithString("last_executed_at",
		mcp.Description("RFC 3339 time the previous sequence started. When omitted the minimum gap is measured from now.")),
	mcp.WithString("risk_level",
		mcp.Description("Risk level to budget for. Derived from the account when omitted."),
		mcp.Enum("LOW", "MEDIUM", "HIGH")),
	mcp.WithString("account_id",
		mcp.Description("Account whose risk level is used when risk_level is omitted.")),
)

var ToolReportEvent = mcp.NewTool("report_event",
	mcp.WithDescription(
		"Report something that happened to an account during automation, such as "+
			"LOGIN_SUCCESS, ACTION_FAILED, WARNING_RECEIVED or CHALLENGE_REQUIRED. "+
			"The event adjusts the account's trust score and may pause or freeze it."),
	mcp.WithString("event_type",
		mcp.Required(),
		mcp.Description("Event type in upper snake case")),
	mcp.WithString("severity",
		mcp.Description("info, warning or danger (default info)"),
		mcp.Enum("info", "warning", "danger")),
	mcp.WithString("account_id",
		mcp.Description("Account the event belongs to. Defaults to the account this server was started for.")),
	mcp.WithString("session_id",
		mcp.Description("Automation session the event happened in")),
	mcp.WithString("event_id",
		mcp.Description("Idempotency key. Generated when omitted; reuse it when retrying a report.")),
	mcp.WithObject("payload",
		mcp.Description("Details such as {\"reason\": \"...\", \"action\": \"COMMENT\"}")),
)

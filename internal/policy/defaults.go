package policy

import "github.com/mbd888/trustgate/internal/account"

// DefaultConfig returns the built-in tables.
func DefaultConfig() Config {
	return Config{
		InitialTrust: account.MaxTrust,
		ScoreRules: map[account.EventType]ScoreRule{
			account.EventSessionStarted:    {Delta: 1},
			account.EventSessionEnded:      {Delta: 1},
			account.EventSessionAborted:    {Delta: -2},
			account.EventLoginSuccess:      {Delta: 2},
			account.EventLoginFailed:       {Delta: -5},
			account.EventLoginChallenge:    {Delta: -15},
			account.EventActionAttempted:   {Delta: 0},
			account.EventActionSuccess:     {Delta: 1},
			account.EventActionFailed:      {Delta: -3},
			account.EventWarningReceived:   {Delta: -5},
			account.EventRateLimitWarning:  {Delta: -10},
			account.EventTempRestriction:   {Delta: -25},
			account.EventChallengeRequired: {Delta: -40, Freeze: true},
			account.EventManualOverride:    {Delta: 0},
		},
		RateLimits: map[string]RateLimitRule{
			"COMMENT": {Max: 30, WindowSeconds: 3600, CooldownSeconds: 1800},
			"POST":    {Max: 5, WindowSeconds: 3600},
			"FOLLOW":  {Max: 50, WindowSeconds: 3600, CooldownSeconds: 3600},
			"LIKE":    {Max: 100, WindowSeconds: 3600},
			"DM":      {Max: 20, WindowSeconds: 3600, CooldownSeconds: 7200},
		},
		Cooldowns: map[account.EventType]CooldownRule{
			account.EventRateLimitWarning:  {CooldownMinutes: 30, RecoverTrust: 5},
			account.EventTempRestriction:   {CooldownMinutes: 120, RecoverTrust: 10},
			account.EventChallengeRequired: {CooldownMinutes: 360, RecoverTrust: 20},
		},
		Budgets: map[RiskLevel]Budget{
			RiskLow:    {DailySequences: 12, MinGapMinutes: 20},
			RiskMedium: {DailySequences: 6, MinGapMinutes: 45},
			RiskHigh:   {DailySequences: 2, MinGapMinutes: 120},
		},
		StateThresholds: Table[account.State]{
			{MinScore: 51, Outcome: account.StateActive},
			{MinScore: 21, Outcome: account.StatePaused},
			{MinScore: 0, Outcome: account.StateFrozen},
		},
		RiskThresholds: Table[RiskLevel]{
			{MinScore: 70, Outcome: RiskLow},
			{MinScore: 40, Outcome: RiskMedium},
			{MinScore: 0, Outcome: RiskHigh},
		},
	}
}

package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name    string
		typ     EventType
		payload map[string]any
		want    string
	}{
		{"nil payload", EventLoginFailed, nil, noDetails},
		{"empty payload falls back to type", EventLoginFailed, map[string]any{}, "LOGIN FAILED"},
		{"primary message", EventWarningReceived, map[string]any{"message": "  slow down  "}, "slow down"},
		{"description beats reason", EventWarningReceived,
			map[string]any{"reason": "r", "description": "d"}, "d"},
		{"details in fixed order", EventActionFailed,
			map[string]any{"action": "COMMENT", "platform": "insta", "status": 429},
			"ACTION FAILED. Details: platform=insta, action=COMMENT, status=429"},
		{"aliases", EventSessionStarted,
			map[string]any{"reason": "boot", "cookies_count": float64(3), "session_id": "s1"},
			"boot. Details: cookies=3, session=s1"},
		{"structured values as json", EventActionBlocked,
			map[string]any{"rule": map[string]any{"max": float64(5)}},
			`ACTION BLOCKED. Details: rule={"max":5}`},
		{"blank strings skipped", EventLogout, map[string]any{"target": "  ", "ip": "10.0.0.1"},
			"LOGOUT. Details: ip=10.0.0.1"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Describe(tc.typ, tc.payload))
		})
	}
}

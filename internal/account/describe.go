package account

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const noDetails = "No additional details were provided for this event."

// detailKeys are rendered in this order as label=value pairs. Each label may
// be fed by several payload keys; the first present one wins.
var detailKeys = []struct {
	label string
	keys  []string
}{
	{"platform", []string{"platform"}},
	{"username", []string{"username"}},
	{"target", []string{"target"}},
	{"action", []string{"action"}},
	{"status", []string{"status"}},
	{"cookies", []string{"cookiesCount", "cookies_count"}},
	{"ip", []string{"ip"}},
	{"proxy", []string{"proxy"}},
	{"url", []string{"url"}},
	{"step", []string{"step"}},
	{"session", []string{"sessionId", "session_id"}},
	{"rule", []string{"rule"}},
}

// Describe renders a one-line human description of an event from its payload.
func Describe(t EventType, payload map[string]any) string {
	if payload == nil {
		return noDetails
	}

	primary := ""
	for _, k := range []string{"description", "message", "reason", "error"} {
		if s := stringify(payload[k]); s != "" {
			primary = s
			break
		}
	}

	var details []string
	for _, d := range detailKeys {
		for _, k := range d.keys {
			v, ok := payload[k]
			if !ok || v == nil {
				continue
			}
			if s := stringify(v); s != "" {
				details = append(details, d.label+"="+s)
			}
			break
		}
	}

	base := primary
	if base == "" {
		base = strings.ReplaceAll(string(t), "_", " ")
	}
	if len(details) == 0 {
		return base
	}
	return base + ". Details: " + strings.Join(details, ", ")
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

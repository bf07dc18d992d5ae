// Package idgen generates identifiers for system-emitted events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// WithPrefix returns prefix followed by 32 hex chars of a v4 UUID (e.g. "evt_", "sys_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Package validation provides request validation helpers for the trustgate API.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// MaxIDLength bounds account, session and event identifiers.
const MaxIDLength = 128

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:@-]*$`)

// ErrMissingAccountID is returned when a request carries no account identifier.
var ErrMissingAccountID = errors.New("accountId is required")

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is a usable opaque identifier.
func IsValidID(s string) bool {
	return len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// SanitizeString trims whitespace, strips null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a single field failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks the identifier alphabet. Empty values pass; pair with Required.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidID(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be an identifier of letters, digits and _.:@-"}
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed. Empty values pass; pair with Required.
func OneOf[T ~string](field string, value T, allowed ...T) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		opts := make([]string, len(allowed))
		for i, a := range allowed {
			opts[i] = string(a)
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(opts, ", ")}
	}
}

// IntRange checks lo <= value <= hi.
func IntRange(field string, value, lo, hi int) func() *ValidationError {
	return func() *ValidationError {
		if value < lo || value > hi {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", lo, hi)}
		}
		return nil
	}
}

// Timestamp checks that value parses as RFC 3339. Empty values pass; pair with Required.
func Timestamp(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := time.Parse(time.RFC3339Nano, value); err != nil {
			return &ValidationError{Field: field, Message: "must be an ISO-8601 timestamp"}
		}
		return nil
	}
}

// AccountIDFromRequest extracts the account identifier from the :accountId or
// :id path parameter, the accountId query parameter, or a JSON body field.
// A consumed body is restored so downstream handlers can bind it again.
func AccountIDFromRequest(c *gin.Context) (string, error) {
	for _, p := range []string{"accountId", "id"} {
		if v := c.Param(p); v != "" {
			return v, nil
		}
	}
	if v := c.Query("accountId"); v != "" {
		return v, nil
	}
	if c.Request.Body == nil {
		return "", ErrMissingAccountID
	}
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(raw))
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", ErrMissingAccountID
	}
	var body struct {
		AccountID string `json:"accountId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || strings.TrimSpace(body.AccountID) == "" {
		return "", ErrMissingAccountID
	}
	return body.AccountID, nil
}

// AccountParamMiddleware rejects malformed :id path parameters early.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account_id",
				"message": "account id must be an identifier of letters, digits and _.:@-",
			})
			return
		}
		c.Next()
	}
}

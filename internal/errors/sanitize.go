// Package errors turns internal errors into messages safe to return to API
// clients.
package errors

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+){2,}`)
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	// Driver messages that may quote SQL or connection settings.
	internalPattern = regexp.MustCompile(`(?i)(sql|clickhouse|postgres|pgx|sqlstate|dsn|password=|secret=|token=|api[_-]?key=|select |insert )`)
)

// userFacing marks messages produced by request validation. They pass
// through unchanged.
var userFacing = []string{
	"invalid argument",
	"invalid request",
	"unknown time range",
	"not found",
	"unauthorized",
}

// Sanitizer scrubs error messages. Outside production mode it returns them
// unchanged so local debugging keeps the full detail.
type Sanitizer struct {
	production bool
}

// NewSanitizer returns a Sanitizer.
func NewSanitizer(production bool) *Sanitizer {
	return &Sanitizer{production: production}
}

// Production reports whether messages are scrubbed.
func (s *Sanitizer) Production() bool {
	return s != nil && s.production
}

// String scrubs file paths, addresses and database detail from msg.
func (s *Sanitizer) String(msg string) string {
	if !s.Production() {
		return msg
	}

	if strings.Contains(msg, "goroutine ") || strings.Count(msg, "\n") > 3 {
		return "internal server error"
	}
	if internalPattern.MatchString(msg) {
		return "ledger storage error"
	}

	msg = filePathPattern.ReplaceAllStringFunc(msg, filepath.Base)
	msg = ipPattern.ReplaceAllStringFunc(msg, func(ip string) string {
		parts := strings.Split(ip, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})
	return msg
}

// SafeMessage returns the client-facing text for err.
func (s *Sanitizer) SafeMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, marker := range userFacing {
		if strings.Contains(lower, marker) {
			return msg
		}
	}
	return s.String(msg)
}

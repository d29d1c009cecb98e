package crew

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is returned for non-2xx responses from the upstream provider.
// RetryAfter is non-zero when the response carried a Retry-After header.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrCapacity is returned by Manager.Spawn when the active agent count
// has reached the configured maximum.
type ErrCapacity struct {
	Active int
	Max    int
}

func (e *ErrCapacity) Error() string {
	return fmt.Sprintf("capacity: %d of %d agents active", e.Active, e.Max)
}

// ErrValidation aggregates the problems found while validating a plan.
type ErrValidation struct {
	Problems []string
}

func (e *ErrValidation) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// ErrConfig reports a fatal configuration problem (malformed file,
// missing required secret, unknown role).
type ErrConfig struct {
	Reason string
}

func (e *ErrConfig) Error() string {
	return "config: " + e.Reason
}

// ParseRetryAfter parses a Retry-After header value: either delay
// seconds ("120") or an HTTP date. Returns 0 for anything else.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

package alerting

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an alert or violation does not exist.
var ErrNotFound = errors.New("not found")

// errAlreadyHandled vetoes an UpdateAlert whose change another writer made first.
var errAlreadyHandled = errors.New("alert already handled")

// ConfigurationError reports an invalid policy. Fatal at load and reload.
// Err carries the individual field errors when several were found.
type ConfigurationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ConfigurationError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Field == "" {
		return "configuration: " + msg
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Rule failure reasons.
const (
	ReasonTimeout = "timeout"
	ReasonPanic   = "panic"
	ReasonError   = "error"
)

// RuleExecutionError reports a rule that could not be evaluated. The rule is
// treated as not breached.
type RuleExecutionError struct {
	RuleID string
	AppID  string
	Reason string
	Err    error
}

func (e *RuleExecutionError) Error() string {
	return fmt.Sprintf("rule %s on %s: %s: %v", e.RuleID, e.AppID, e.Reason, e.Err)
}

func (e *RuleExecutionError) Unwrap() error { return e.Err }

// DeliveryError reports a channel that failed to deliver an alert.
type DeliveryError struct {
	Channel  string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StorageError reports a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RateLimitError is returned by senders when the channel asks the caller to
// slow down. RetryAfter is zero when the channel gave no hint.
type RateLimitError struct {
	Channel    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Channel, e.RetryAfter)
	}
	return e.Channel + ": rate limited"
}

package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnectivityError means an endpoint the whole run depends on could not be reached at all.
// It is the only error that aborts a run.
type ConnectivityError struct {
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProbeError is a single failed read. The field it feeds is reported as unknown.
type ProbeError struct {
	Check string
	Err   error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s failed: %v", e.Check, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ActionError is a failed remediation step.
type ActionError struct {
	Action string
	Target string
	Err    error
}

func (e *ActionError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("%s on %s failed: %v", e.Action, e.Target, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// TimeoutError is returned when a bounded wait ran out of time.
type TimeoutError struct {
	Operation string
	After     time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for %s", e.After, e.Operation)
	if e.Err == nil || errors.Is(e.Err, context.DeadlineExceeded) || errors.Is(e.Err, context.Canceled) {
		return msg
	}
	return msg + ": " + e.Err.Error()
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsFatal reports whether err must abort the run.
func IsFatal(err error) bool {
	var connErr *ConnectivityError
	return errors.As(err, &connErr)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

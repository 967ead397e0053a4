package provider

import (
	"context"
	"errors"
	"net"
)

// Error types for classifying provider errors. Adapter errors are normalized
// into one of these before crossing into the pipeline.

// TransientError represents a temporary provider error (rate limit, 5xx,
// network) that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// TerminalError represents a permanent provider error (auth, validation,
// content policy, malformed response) that should not be retried.
type TerminalError struct {
	err error
}

func (e *TerminalError) Error() string {
	return e.err.Error()
}

func (e *TerminalError) Unwrap() error {
	return e.err
}

// NewTerminalError wraps an error as terminal (non-retryable).
func NewTerminalError(err error) error {
	return &TerminalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsTerminal returns true if the error is terminal and should not be retried.
func IsTerminal(err error) bool {
	var terminal *TerminalError
	return errors.As(err, &terminal)
}

// Classify normalizes an arbitrary adapter error. Errors already wrapped keep
// their classification. Context cancellation and deadline errors pass through
// unwrapped so the pipeline can distinguish timeout/cancel from provider
// failure. Anything else defaults to transient: network-level failures rarely
// self-identify, and a bounded retry is the safer default.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsTerminal(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(err)
	}
	return NewTransientError(err)
}

// ClassifyHTTPStatus wraps err according to a provider HTTP status code.
// 429 and 5xx are transient; everything else 4xx is terminal.
func ClassifyHTTPStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	if status == 429 || status >= 500 {
		return NewTransientError(err)
	}
	if status >= 400 {
		return NewTerminalError(err)
	}
	return Classify(err)
}

package errors

import (
	"context"
	stderrs "errors"
	"net"
	"net/http"
)

// Retryable reports whether the error is worth retrying with backoff.
// Rate limits and transient server/network failures qualify; everything
// else (not found, gone, validation, budget, terminal batch) does not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorCodeUnavailable, ErrorCodeTooManyRequests:
		return true
	}
	var ne net.Error
	if stderrs.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// Canceled reports whether err is context cancellation or deadline expiry
func Canceled(err error) bool {
	return stderrs.Is(err, context.Canceled) || stderrs.Is(err, context.DeadlineExceeded)
}

// FromStatus classifies an HTTP response status into an *Error.
// 2xx returns nil; callers handle success before classifying
func FromStatus(status int, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &Error{code: ErrorCodeTooManyRequests, msg: "rate limited", op: op}
	case status == http.StatusNotFound:
		return &Error{code: ErrorCodeNotFound, msg: "not found", op: op}
	case status == http.StatusUnavailableForLegalReasons:
		return &Error{code: ErrorCodeGone, msg: "unavailable for legal reasons", op: op}
	case status == http.StatusPaymentRequired:
		return &Error{code: ErrorCodeBudgetExhausted, msg: "payment required", op: op}
	case status >= 500:
		return &Error{code: ErrorCodeUnavailable, msg: http.StatusText(status), op: op}
	default:
		return &Error{code: ErrorCodeUnknown, msg: http.StatusText(status), op: op}
	}
}

// TransientStatus reports whether an HTTP status merits a backoff-and-retry
// within a single candidate request loop
func TransientStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

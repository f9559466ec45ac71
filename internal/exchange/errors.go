// errors.go defines the error taxonomy for exchange interactions.
//
// Every failure surfaced by the REST client or the WebSocket feeds is
// classified into an ErrorKind so the circuit breaker and retry paths can
// react uniformly: transient kinds increment the consecutive-error counter,
// fatal kinds trip the breaker immediately, and OrderRejected, NotFound and
// Canceled are handled locally without touching the counter.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies an exchange failure.
type ErrorKind string

const (
	KindTransportTimeout     ErrorKind = "transport_timeout"
	KindTransportUnavailable ErrorKind = "transport_unavailable"
	KindAuthExpired          ErrorKind = "auth_expired"
	KindOrderRejected        ErrorKind = "order_rejected"
	KindNotFound             ErrorKind = "not_found"
	KindRateLimited          ErrorKind = "rate_limited"
	KindStreamGap            ErrorKind = "stream_gap"
	KindMalformedMessage     ErrorKind = "malformed_message"
	KindInsufficientBalance  ErrorKind = "insufficient_balance"
	KindCanceled             ErrorKind = "canceled"
	KindInternal             ErrorKind = "internal"
)

// APIError is a classified exchange failure. Status is the HTTP status when
// the error came from a REST response, zero otherwise.
type APIError struct {
	Kind   ErrorKind
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// ErrStreamGap marks an out-of-sequence stream; the book must resync.
var ErrStreamGap = &APIError{Kind: KindStreamGap, Msg: "sequence gap"}

// Kind extracts the ErrorKind from err, defaulting to Internal for errors
// that did not originate in this package.
func Kind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	// A canceled context is the caller shutting down, not the exchange
	// failing; it must never count toward the breaker.
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransportTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTransportTimeout
		}
		return KindTransportUnavailable
	}
	return KindInternal
}

// IsTransient reports whether the error should count against the breaker's
// consecutive-error limit and be retried on the next tick.
func IsTransient(err error) bool {
	switch Kind(err) {
	case KindTransportTimeout, KindTransportUnavailable, KindRateLimited:
		return true
	}
	return false
}

// IsFatal reports whether the error must trip the breaker immediately.
func IsFatal(err error) bool {
	switch Kind(err) {
	case KindAuthExpired, KindInsufficientBalance, KindInternal:
		return true
	}
	return false
}

// classifyStatus maps a non-2xx REST response to an APIError.
func classifyStatus(status int, body string) *APIError {
	switch {
	case status == http.StatusNotFound:
		return &APIError{Kind: KindNotFound, Status: status, Msg: body}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, Status: status, Msg: body}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &APIError{Kind: KindAuthExpired, Status: status, Msg: body}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return &APIError{Kind: KindOrderRejected, Status: status, Msg: body}
	case status == http.StatusPaymentRequired:
		return &APIError{Kind: KindInsufficientBalance, Status: status, Msg: body}
	case status >= 500:
		return &APIError{Kind: KindTransportUnavailable, Status: status, Msg: body}
	default:
		return &APIError{Kind: KindInternal, Status: status, Msg: body}
	}
}

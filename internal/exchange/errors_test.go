package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusForbidden, KindAuthExpired},
		{http.StatusBadRequest, KindOrderRejected},
		{http.StatusUnprocessableEntity, KindOrderRejected},
		{http.StatusPaymentRequired, KindInsufficientBalance},
		{http.StatusInternalServerError, KindTransportUnavailable},
		{http.StatusBadGateway, KindTransportUnavailable},
		{http.StatusTeapot, KindInternal},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status, "").Kind; got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestKindUnwrapsWrappedErrors(t *testing.T) {
	t.Parallel()

	inner := &APIError{Kind: KindRateLimited, Status: 429, Msg: "slow down"}
	wrapped := fmt.Errorf("place order: %w", inner)

	if got := Kind(wrapped); got != KindRateLimited {
		t.Errorf("Kind(wrapped) = %v, want rate_limited", got)
	}
}

func TestKindDeadlineExceeded(t *testing.T) {
	t.Parallel()

	if got := Kind(context.DeadlineExceeded); got != KindTransportTimeout {
		t.Errorf("Kind(DeadlineExceeded) = %v, want transport_timeout", got)
	}
}

func TestKindContextCanceled(t *testing.T) {
	t.Parallel()

	if got := Kind(context.Canceled); got != KindCanceled {
		t.Errorf("Kind(Canceled) = %v, want canceled", got)
	}
	wrapped := fmt.Errorf("place order: %w", context.Canceled)
	if got := Kind(wrapped); got != KindCanceled {
		t.Errorf("Kind(wrapped Canceled) = %v, want canceled", got)
	}
	if IsFatal(wrapped) || IsTransient(wrapped) {
		t.Error("a canceled context is neither fatal nor transient")
	}
}

func TestKindUnknownDefaultsToInternal(t *testing.T) {
	t.Parallel()

	if got := Kind(errors.New("something else")); got != KindInternal {
		t.Errorf("Kind = %v, want internal", got)
	}
}

func TestTransientAndFatalPartition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind      ErrorKind
		transient bool
		fatal     bool
	}{
		{KindTransportTimeout, true, false},
		{KindTransportUnavailable, true, false},
		{KindRateLimited, true, false},
		{KindAuthExpired, false, true},
		{KindInsufficientBalance, false, true},
		{KindInternal, false, true},
		{KindOrderRejected, false, false},
		{KindNotFound, false, false},
	}

	for _, tt := range tests {
		err := &APIError{Kind: tt.kind}
		if got := IsTransient(err); got != tt.transient {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.kind, got, tt.transient)
		}
		if got := IsFatal(err); got != tt.fatal {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.kind, got, tt.fatal)
		}
	}
}

func TestStreamGapSentinel(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("apply delta: %w", ErrStreamGap)
	if Kind(wrapped) != KindStreamGap {
		t.Errorf("Kind = %v, want stream_gap", Kind(wrapped))
	}
}

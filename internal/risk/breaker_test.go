package risk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/exchange"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCircuitConfig() config.CircuitConfig {
	return config.CircuitConfig{
		MaxConsecutiveErrors:  10,
		PnLThreshold:          -100,
		MaxInventoryImbalance: 0.9,
	}
}

type memStatusStore struct {
	saved  []Status
	loaded *Status
}

func (m *memStatusStore) SaveBreakerStatus(s Status) error {
	m.saved = append(m.saved, s)
	return nil
}

func (m *memStatusStore) LoadBreakerStatus() (*Status, error) {
	return m.loaded, nil
}

func transientErr() error {
	return &exchange.APIError{Kind: exchange.KindTransportTimeout, Msg: "timeout"}
}

func TestConsecutiveErrorsTrip(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testCircuitConfig(), nil, testLogger())

	for i := 0; i < 9; i++ {
		b.RecordError(transientErr())
	}
	if b.Tripped() {
		t.Fatal("breaker tripped before reaching the limit")
	}

	b.RecordError(transientErr())
	if !b.Tripped() {
		t.Fatal("breaker should trip on the 10th consecutive error")
	}
	if b.Reason() != "consecutive_errors" {
		t.Errorf("reason = %q, want consecutive_errors", b.Reason())
	}
}

func TestSuccessResetsCounterButNotTrip(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testCircuitConfig(), nil, testLogger())

	for i := 0; i < 9; i++ {
		b.RecordError(transientErr())
	}
	b.RecordSuccess()
	for i := 0; i < 9; i++ {
		b.RecordError(transientErr())
	}
	if b.Tripped() {
		t.Fatal("success should have reset the counter")
	}

	b.RecordError(transientErr())
	if !b.Tripped() {
		t.Fatal("breaker should trip after 10 uninterrupted errors")
	}

	// Latched: success never closes a tripped breaker.
	b.RecordSuccess()
	if !b.Tripped() {
		t.Error("tripped breaker must stay tripped until manual reset")
	}
}

func TestOrderRejectionsDoNotCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testCircuitConfig(), nil, testLogger())

	for i := 0; i < 50; i++ {
		b.RecordError(&exchange.APIError{Kind: exchange.KindOrderRejected})
		b.RecordError(&exchange.APIError{Kind: exchange.KindNotFound})
	}
	if b.Tripped() {
		t.Error("rejections and not-founds must not trip the breaker")
	}
}

func TestShutdownCancellationDoesNotTrip(t *testing.T) {
	t.Parallel()

	cfg := testCircuitConfig()
	cfg.MaxConsecutiveErrors = 1 // any counted error would trip
	b := NewBreaker(cfg, nil, testLogger())

	// A tick in flight during shutdown surfaces the canceled context from
	// whatever call it was blocked on.
	b.RecordError(context.Canceled)
	b.RecordError(fmt.Errorf("place order: %w", context.Canceled))

	if b.Tripped() {
		t.Fatalf("breaker tripped on shutdown cancellation: %q", b.Reason())
	}
}

func TestFatalErrorTripsImmediately(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testCircuitConfig(), nil, testLogger())

	b.RecordError(&exchange.APIError{Kind: exchange.KindAuthExpired})
	if !b.Tripped() {
		t.Fatal("fatal error should trip on first occurrence")
	}
	if b.Reason() != "fatal_error:auth_expired" {
		t.Errorf("reason = %q", b.Reason())
	}
}

func TestPnLThreshold(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testCircuitConfig(), nil, testLogger())

	b.CheckPnL(-100) // at threshold, not below
	if b.Tripped() {
		t.Fatal("PnL exactly at threshold must not trip")
	}

	b.CheckPnL(-100.01)
	if !b.Tripped() {
		t.Fatal("PnL below threshold should trip")
	}
	if b.Reason() != "pnl_threshold" {
		t.Errorf("reason = %q", b.Reason())
	}
}

func TestImbalanceTrip(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testCircuitConfig(), nil, testLogger())

	b.CheckImbalance(85, 100) // 0.85 ≤ 0.9
	if b.Tripped() {
		t.Fatal("imbalance under limit must not trip")
	}

	b.CheckImbalance(-95, 100) // |−0.95| > 0.9
	if !b.Tripped() {
		t.Fatal("imbalance over limit should trip")
	}
	if b.Reason() != "inventory_imbalance" {
		t.Errorf("reason = %q", b.Reason())
	}
}

func TestFirstTripReasonWins(t *testing.T) {
	t.Parallel()
	b := NewBreaker(testCircuitConfig(), nil, testLogger())

	b.CheckPnL(-200)
	b.CheckImbalance(100, 100)

	if b.Reason() != "pnl_threshold" {
		t.Errorf("reason = %q, want the first trip's reason", b.Reason())
	}
}

func TestResetClosesBreaker(t *testing.T) {
	t.Parallel()
	store := &memStatusStore{}
	b := NewBreaker(testCircuitConfig(), store, testLogger())

	b.CheckPnL(-200)
	if !b.Tripped() {
		t.Fatal("setup: breaker should be tripped")
	}

	b.Reset()
	if b.Tripped() {
		t.Fatal("Reset should close the breaker")
	}
	if b.Reason() != "" {
		t.Errorf("reason = %q, want empty after reset", b.Reason())
	}

	// Trip then reset both persisted
	if len(store.saved) != 2 {
		t.Fatalf("persisted %d times, want 2", len(store.saved))
	}
	if !store.saved[0].IsOpen || store.saved[0].TripReason != "pnl_threshold" {
		t.Errorf("first persist = %+v", store.saved[0])
	}
	if store.saved[1].IsOpen {
		t.Errorf("second persist = %+v, want closed", store.saved[1])
	}
}

func TestRestoresPersistedTrip(t *testing.T) {
	t.Parallel()

	store := &memStatusStore{loaded: &Status{
		IsOpen:     true,
		TripReason: "pnl_threshold",
		TripTS:     time.Now().Add(-time.Hour),
	}}
	b := NewBreaker(testCircuitConfig(), store, testLogger())

	if !b.Tripped() {
		t.Fatal("breaker should restore tripped state from store")
	}
	if b.Reason() != "pnl_threshold" {
		t.Errorf("reason = %q", b.Reason())
	}
}

package risk

import (
	"log/slog"
	"sync"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/exchange"
)

// Status is the persisted breaker state. IsOpen follows electrical-breaker
// convention: true means tripped, no current flows, no orders are placed.
type Status struct {
	IsOpen     bool      `json:"is_open"`
	TripReason string    `json:"trip_reason,omitempty"`
	TripTS     time.Time `json:"trip_ts,omitempty"`
}

// StatusStore persists breaker state across restarts.
type StatusStore interface {
	SaveBreakerStatus(Status) error
	LoadBreakerStatus() (*Status, error)
}

// Breaker is a latching circuit breaker. Once tripped it stays tripped until
// an operator calls Reset — there is no time-based recovery. While tripped,
// the engine may only cancel orders.
//
// Trip conditions:
//   - consecutive transient API errors reach MaxConsecutiveErrors
//   - a fatal API error (auth, balance, internal)
//   - total PnL falls below PnLThreshold
//   - net inventory imbalance exceeds MaxInventoryImbalance
type Breaker struct {
	cfg    config.CircuitConfig
	store  StatusStore
	logger *slog.Logger

	mu                sync.Mutex
	tripped           bool
	reason            string
	trippedAt         time.Time
	consecutiveErrors int
}

// NewBreaker creates a breaker, restoring a persisted tripped state if one
// exists. A breaker that was open when the process died stays open — the
// condition that tripped it has not been reviewed.
func NewBreaker(cfg config.CircuitConfig, store StatusStore, logger *slog.Logger) *Breaker {
	b := &Breaker{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "breaker"),
	}

	if store != nil {
		status, err := store.LoadBreakerStatus()
		if err != nil {
			b.logger.Warn("load persisted breaker state", "error", err)
		} else if status != nil && status.IsOpen {
			b.tripped = true
			b.reason = status.TripReason
			b.trippedAt = status.TripTS
			b.logger.Warn("breaker restored in tripped state",
				"reason", b.reason, "tripped_at", b.trippedAt)
		}
	}

	return b
}

// Tripped reports whether the breaker is open.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Reason returns the trip reason, empty when closed.
func (b *Breaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}

// RecordSuccess resets the consecutive-error counter. It never un-trips.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrors = 0
}

// RecordError feeds an API failure into the breaker. Order rejections and
// not-found responses are business outcomes, not infrastructure failures,
// and do not touch the counter; a canceled context is our own shutdown and
// is ignored the same way. Fatal errors trip immediately; transient and
// unclassified ones count toward the consecutive limit.
func (b *Breaker) RecordError(err error) {
	if err == nil {
		return
	}

	switch kind := exchange.Kind(err); kind {
	case exchange.KindOrderRejected, exchange.KindNotFound, exchange.KindCanceled:
		return
	default:
		b.mu.Lock()
		defer b.mu.Unlock()

		if exchange.IsFatal(err) {
			b.trip("fatal_error:" + string(kind))
			return
		}

		b.consecutiveErrors++
		if b.consecutiveErrors >= b.cfg.MaxConsecutiveErrors {
			b.trip("consecutive_errors")
		}
	}
}

// CheckPnL trips when total PnL falls below the configured threshold.
func (b *Breaker) CheckPnL(totalPnL float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if totalPnL < b.cfg.PnLThreshold {
		b.trip("pnl_threshold")
	}
}

// CheckImbalance trips when |net inventory| / max_position exceeds the
// configured imbalance limit.
func (b *Breaker) CheckImbalance(netInventory float64, maxPosition int) {
	if maxPosition <= 0 {
		return
	}
	ratio := netInventory / float64(maxPosition)
	if ratio < 0 {
		ratio = -ratio
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ratio > b.cfg.MaxInventoryImbalance {
		b.trip("inventory_imbalance")
	}
}

// Reset closes the breaker. Operator action only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped {
		return
	}
	b.tripped = false
	b.reason = ""
	b.trippedAt = time.Time{}
	b.consecutiveErrors = 0
	b.persist()
	b.logger.Info("breaker reset")
}

// trip latches the breaker. Caller holds b.mu. The first trip wins; later
// conditions do not overwrite the recorded reason.
func (b *Breaker) trip(reason string) {
	if b.tripped {
		return
	}
	b.tripped = true
	b.reason = reason
	b.trippedAt = time.Now()
	b.persist()

	b.logger.Error("CIRCUIT BREAKER TRIPPED", "reason", reason)
}

func (b *Breaker) persist() {
	if b.store == nil {
		return
	}
	status := Status{IsOpen: b.tripped, TripReason: b.reason, TripTS: b.trippedAt}
	if err := b.store.SaveBreakerStatus(status); err != nil {
		b.logger.Error("persist breaker state", "error", err)
	}
}

package strategy

import (
	"sync"
	"time"

	"kalshi-lip-mm/pkg/types"
)

// Position represents current holdings in a single market, in signed
// YES-equivalent contracts (positive = long YES, negative = short YES).
// Serialized to JSON for persistence across bot restarts.
type Position struct {
	Contracts   int     `json:"contracts"`
	AvgEntry    float64 `json:"avg_entry"`
	RealizedPnL float64 `json:"realized_pnl"`
}

// Inventory tracks the position for one market. Thread-safe via RWMutex:
// the fill-stream dispatcher writes, the scheduler reads.
//
// The fill stream is at-least-once, so every fill carries a per-order
// monotonically increasing index; a fill at or below the recorded
// high-water mark for its order is a retry and is dropped.
type Inventory struct {
	mu       sync.RWMutex
	ticker   string
	pos      Position
	updated  time.Time
	fillMark map[string]int64 // order ID → highest applied fill index
}

// NewInventory creates inventory tracking for a market.
func NewInventory(ticker string) *Inventory {
	return &Inventory{
		ticker:   ticker,
		fillMark: make(map[string]int64),
	}
}

// OnFill processes a fill event. Returns false when the fill is a duplicate
// delivery and was ignored. Buys increase the signed position, sells
// decrease it; reducing a position realizes PnL against the weighted
// average entry price.
func (inv *Inventory) OnFill(fill types.WSFillMsg) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if mark, ok := inv.fillMark[fill.OrderID]; ok && fill.FillIndex <= mark {
		return false
	}
	inv.fillMark[fill.OrderID] = fill.FillIndex

	delta := fill.Size
	if fill.Side == types.SELL {
		delta = -fill.Size
	}
	inv.apply(delta, fill.Price)
	inv.updated = time.Now()
	return true
}

// apply adjusts the signed position by delta contracts at the given price.
// Caller holds inv.mu.
func (inv *Inventory) apply(delta int, price float64) {
	pos := inv.pos

	switch {
	case pos.Contracts == 0 || sameSign(pos.Contracts, delta):
		// Extending in the same direction: blend the average entry.
		total := abs(pos.Contracts) + abs(delta)
		pos.AvgEntry = (pos.AvgEntry*float64(abs(pos.Contracts)) + price*float64(abs(delta))) / float64(total)
		pos.Contracts += delta

	case abs(delta) <= abs(pos.Contracts):
		// Reducing (possibly to zero): realize against the average entry.
		pos.RealizedPnL += realized(pos.Contracts, pos.AvgEntry, price, abs(delta))
		pos.Contracts += delta
		if pos.Contracts == 0 {
			pos.AvgEntry = 0
		}

	default:
		// Crossing through zero: close the whole position, then open the
		// remainder on the other side at the fill price.
		pos.RealizedPnL += realized(pos.Contracts, pos.AvgEntry, price, abs(pos.Contracts))
		pos.Contracts += delta
		pos.AvgEntry = price
	}

	inv.pos = pos
}

// realized returns the PnL from closing qty contracts of the given signed
// position at price.
func realized(contracts int, avgEntry, price float64, qty int) float64 {
	if contracts > 0 {
		return (price - avgEntry) * float64(qty)
	}
	return (avgEntry - price) * float64(qty)
}

// Net returns the signed position in contracts.
func (inv *Inventory) Net() int {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos.Contracts
}

// Snapshot returns a copy of the current position.
func (inv *Inventory) Snapshot() Position {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos
}

// UnrealizedPnL marks the position to the given mid price.
func (inv *Inventory) UnrealizedPnL(mid float64) float64 {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return (mid - inv.pos.AvgEntry) * float64(inv.pos.Contracts)
}

// SetPosition restores position from persistence (used on restart).
func (inv *Inventory) SetPosition(pos Position) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.pos = pos
}

func sameSign(a, b int) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

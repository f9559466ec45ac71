// Toxicity tracking via fill markouts. A markout measures what the market
// did after our quote was hit: if the price keeps moving through us — we
// bought and it fell, we sold and it rose — the counterparty was informed
// and our rebate income is being eaten by adverse selection.
//
// The tracker holds fills pending until the markout horizon elapses, then
// folds each markout into a per-market EMA. The maker stops adding exposure
// once the EMA crosses the bad threshold; discovery uses a 3× looser bound
// so a market must bleed persistently before it is barred from re-entry.
package strategy

import (
	"sync"
	"time"

	"kalshi-lip-mm/pkg/types"
)

type pendingFill struct {
	side  types.Side
	price float64
	ts    time.Time
}

type marketFlow struct {
	pending []pendingFill
	ema     float64
	samples int
}

// Tracker measures per-market fill markouts across all tracked markets.
type Tracker struct {
	mu      sync.RWMutex
	horizon time.Duration // how long after a fill the markout is taken
	alpha   float64       // EMA smoothing
	badEMA  float64       // EMA below this marks the market toxic
	flows   map[string]*marketFlow
}

// NewTracker creates a markout tracker. badEMA is negative: e.g. −0.003
// means losing 0.3 cents per contract on average within the horizon.
func NewTracker(horizon time.Duration, alpha, badEMA float64) *Tracker {
	return &Tracker{
		horizon: horizon,
		alpha:   alpha,
		badEMA:  badEMA,
		flows:   make(map[string]*marketFlow),
	}
}

// RecordFill registers an execution whose markout will be evaluated once
// the horizon elapses.
func (t *Tracker) RecordFill(ticker string, side types.Side, price float64, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flow := t.flows[ticker]
	if flow == nil {
		flow = &marketFlow{}
		t.flows[ticker] = flow
	}
	flow.pending = append(flow.pending, pendingFill{side: side, price: price, ts: ts})
}

// Observe folds matured fills into the EMA using the current mid price.
// Called from the maker's tick with the latest book state. Fills younger
// than the horizon stay pending.
func (t *Tracker) Observe(ticker string, mid float64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flow := t.flows[ticker]
	if flow == nil {
		return
	}

	remaining := flow.pending[:0]
	for _, f := range flow.pending {
		if now.Sub(f.ts) < t.horizon {
			remaining = append(remaining, f)
			continue
		}

		markout := mid - f.price
		if f.side == types.SELL {
			markout = f.price - mid
		}

		if flow.samples == 0 {
			flow.ema = markout
		} else {
			flow.ema = t.alpha*markout + (1-t.alpha)*flow.ema
		}
		flow.samples++
	}
	flow.pending = remaining
}

// EMA returns the markout EMA for a market; ok is false before any sample
// has matured.
func (t *Tracker) EMA(ticker string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	flow := t.flows[ticker]
	if flow == nil || flow.samples == 0 {
		return 0, false
	}
	return flow.ema, true
}

// discoveryFactor loosens the toxicity bound for the discovery filter:
// barring a market from re-entry takes 3× worse flow than pausing bids.
const discoveryFactor = 3.0

// SuppressBids reports whether the exposure-adding side should stop quoting.
func (t *Tracker) SuppressBids(ticker string) bool {
	ema, ok := t.EMA(ticker)
	return ok && ema <= t.badEMA
}

// IsToxic reports whether a market's markout EMA is bad enough to keep it
// out of discovery entirely.
func (t *Tracker) IsToxic(ticker string) bool {
	ema, ok := t.EMA(ticker)
	return ok && ema <= discoveryFactor*t.badEMA
}

// Forget drops all state for a market, typically when it closes.
func (t *Tracker) Forget(ticker string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, ticker)
}

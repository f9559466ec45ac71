// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides, market
// metadata, order book levels, and the wire payloads for the exchange REST
// and WebSocket APIs. It has no dependencies on internal packages, so it can
// be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
// All orders are expressed against the YES contract; selling YES is
// equivalent to buying NO at the complementary price.
type Side string

const (
	BUY  Side = "buy"
	SELL Side = "sell"
)

// ContractSide identifies which contract a book level or fill refers to.
type ContractSide string

const (
	YES ContractSide = "yes"
	NO  ContractSide = "no"
)

// TimeInForce enumerates the supported order lifecycles.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // rests on the book until filled or cancelled
	TIFIOC TimeInForce = "IOC" // fills what it can immediately, cancels the rest
)

// MarketState is the per-market lifecycle tracked by the strategy layer.
//
//	idle → tracked → quoting ⇄ blocked → exiting → closed
//
// tracked: admitted but no resting orders yet. quoting: at least one side
// live. blocked: quote rejected as degenerate, waiting for the touch to move.
// exiting: only the flattening side may quote. closed: terminal, untracked.
type MarketState string

const (
	StateIdle    MarketState = "idle"
	StateTracked MarketState = "tracked"
	StateQuoting MarketState = "quoting"
	StateBlocked MarketState = "blocked"
	StateExiting MarketState = "exiting"
	StateClosed  MarketState = "closed"
)

// SkipReason explains why the quote policy declined to quote a market.
type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipRisk         SkipReason = "risk"           // risk score above threshold
	SkipLIPTargetMet SkipReason = "lip_target_met" // resting size at best already covers the target
	SkipExtremePrice SkipReason = "extreme_price"  // quote would land outside [0.02, 0.98]
	SkipThinBook     SkipReason = "thin_book"      // book cannot absorb the qualifying target
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// MarketInfo is the internal representation of a binary market. Populated
// from the incentive-program listing during discovery and passed to the
// strategy layer. A binary market has two complementary contracts (YES, NO)
// whose prices sum to $1; all quoting is done in YES-equivalent terms.
type MarketInfo struct {
	Ticker    string    // exchange market ticker, e.g. "KXHIGHNY-26AUG24-B85"
	CloseTime time.Time // scheduled close of trading
	LIPTarget int       // contracts required at best to qualify for the rebate
	Toxic     bool      // flagged by the universe endpoint; excluded from discovery
}

// Expired reports whether the market's close time has passed.
func (m MarketInfo) Expired(now time.Time) bool {
	return !m.CloseTime.IsZero() && !now.Before(m.CloseTime)
}

// HoursToExpiry returns the remaining trading time in hours, floored at zero.
func (m MarketInfo) HoursToExpiry(now time.Time) float64 {
	h := m.CloseTime.Sub(now).Hours()
	if h < 0 {
		return 0
	}
	return h
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single resting level on one side of the book.
// Price is in dollars on the cent grid; Count is resting contracts.
type PriceLevel struct {
	Price float64 `json:"price"`
	Count int     `json:"count"`
}

// Touch is a point-in-time view of the top of a market's YES book, taken
// atomically under the book lock. BidSize is the resting count at the best
// YES bid (the quantity the LIP-target check compares against).
type Touch struct {
	Bid     float64
	Ask     float64 // synthesized: 1 − best NO bid
	BidSize int
}

// Spread returns ask − bid, floored at zero.
func (t Touch) Spread() float64 {
	s := t.Ask - t.Bid
	if s < 0 {
		return 0
	}
	return s
}

// OrderbookResponse is the REST response from GET /markets/{ticker}/orderbook.
// Both sides are bid ladders: yes holds YES bids, no holds NO bids. YES asks
// are implied by NO bids at the complementary price.
type OrderbookResponse struct {
	YesBids []PriceLevel `json:"yes"`
	NoBids  []PriceLevel `json:"no"`
}

// Candle is one OHLC bar from GET /markets/{ticker}/candlesticks.
// Prices are YES midpoints in dollars.
type Candle struct {
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	TS    int64   `json:"ts"` // bar end, unix seconds
}

// ————————————————————————————————————————————————————————————————————————
// Orders and quotes
// ————————————————————————————————————————————————————————————————————————

// LiveOrder is a resting order the state machine believes is on the exchange.
// At most one live buy and one live sell exist per tracked market.
type LiveOrder struct {
	OrderID       string
	Side          Side
	Price         float64
	RemainingSize int
	SubmitTS      time.Time
}

// QuoteLevel is one side of a desired quote produced by the level policy.
type QuoteLevel struct {
	Price         float64
	Size          int
	TicksFromBest int
	Multiplier    float64 // rebate discount at this depth: d^ticks
}

// DesiredQuote is the target quote state for one market this tick. A nil
// side means that side should be pulled. Skip is set when the policy declined
// to quote; the state machine maps each reason to a transition.
type DesiredQuote struct {
	Bid  *QuoteLevel
	Ask  *QuoteLevel
	Skip SkipReason
}

// BandLevel is one entry of the qualifying band: the contiguous levels from
// best inward that together absorb the LIP target.
type BandLevel struct {
	Price         float64
	Size          int
	TicksFromBest int
	Multiplier    float64
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket messages
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames on the exchange WebSocket.
// Orderbook channel: "snapshot" (replace a side) and "delta" (signed count
// adjustment at one price). Fill channel: "fill" executions on our orders.

// WSBookMsg is one orderbook channel message. For snapshots, Levels holds
// the full side; for deltas, Price/Delta adjust a single level. Seq is the
// per-ticker sequence number; a gap means the local book must resync.
type WSBookMsg struct {
	Type   string       `json:"type"` // "snapshot" or "delta"
	Ticker string       `json:"market_ticker"`
	Side   ContractSide `json:"side"`
	Levels []PriceLevel `json:"levels,omitempty"` // snapshot only
	Price  float64      `json:"price,omitempty"`  // delta only
	Delta  int          `json:"delta,omitempty"`  // delta only, signed
	Seq    uint64       `json:"seq"`
}

// WSFillMsg is one fill channel message. FillIndex is monotonically
// increasing per order; retried deliveries reuse the same index, which is
// how the inventory layer deduplicates.
type WSFillMsg struct {
	Ticker    string  `json:"market_ticker"`
	OrderID   string  `json:"order_id"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Size      int     `json:"count"`
	TS        int64   `json:"ts"`
	FillIndex int64   `json:"fill_index"`
}

// WSCommand is sent to subscribe, unsubscribe, or request a fresh snapshot
// for a ticker after a sequence gap.
type WSCommand struct {
	Cmd     string   `json:"cmd"` // "subscribe", "unsubscribe", "snapshot"
	Channel string   `json:"channel,omitempty"`
	Tickers []string `json:"market_tickers,omitempty"`
}

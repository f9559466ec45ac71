// Package market provides local order book management and market discovery.
//
// Book mirrors the exchange book for a single binary market. The exchange
// publishes two bid ladders — YES bids and NO bids — and the implied YES ask
// at any level is 1 minus the NO bid at the complementary level. The book is
// updated from two sources:
//   - REST snapshots via the discovery/bootstrap path
//   - WebSocket "snapshot" (full side replace) and "delta" (signed count
//     adjustment) messages, ordered by per-ticker sequence numbers
//
// A sequence gap or a delta that would drive a level negative desyncs the
// book: ApplyDelta returns a stream-gap error, the caller requests a fresh
// snapshot, and the book drops further deltas until that snapshot arrives.
//
// The Book is concurrency-safe (RWMutex protected) and provides derived
// values like Touch and Microprice for the strategy layer.
package market

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"kalshi-lip-mm/internal/exchange"
	"kalshi-lip-mm/pkg/types"
)

// Book maintains a local mirror of the order book for one market.
// Ladders are keyed by price in cents; counts are resting contracts.
type Book struct {
	mu     sync.RWMutex
	ticker string
	yes    map[int]int // YES bid ladder: cents → count
	no     map[int]int // NO bid ladder: cents → count

	seq     uint64 // last applied sequence number
	synced  bool   // false until a snapshot arrives (or after a gap)
	updated time.Time
}

// NewBook creates an empty, unsynced book for a market.
func NewBook(ticker string) *Book {
	return &Book{
		ticker: ticker,
		yes:    make(map[int]int),
		no:     make(map[int]int),
	}
}

func (b *Book) Ticker() string { return b.ticker }

// ApplySnapshot replaces one side's ladder and marks the book synced.
// Levels with non-positive counts are dropped.
func (b *Book) ApplySnapshot(side types.ContractSide, levels []types.PriceLevel, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ladder := make(map[int]int, len(levels))
	for _, lvl := range levels {
		if lvl.Count <= 0 {
			continue
		}
		ladder[types.Cents(lvl.Price)] = lvl.Count
	}

	if side == types.NO {
		b.no = ladder
	} else {
		b.yes = ladder
	}

	b.seq = seq
	b.synced = true
	b.updated = time.Now()
}

// ApplyBootstrap loads both ladders from a REST orderbook response. REST
// responses carry no sequence number, so the book stays synced only until
// the first WebSocket snapshot establishes one.
func (b *Book) ApplyBootstrap(resp *types.OrderbookResponse) {
	b.ApplySnapshot(types.YES, resp.YesBids, 0)
	b.ApplySnapshot(types.NO, resp.NoBids, 0)
}

// ApplyDelta adjusts one price level by a signed count. It returns a
// stream-gap error when the sequence number is not contiguous or the
// adjustment would drive a level negative; the caller must then request a
// snapshot. Deltas arriving while the book is unsynced are dropped silently.
func (b *Book) ApplyDelta(side types.ContractSide, price float64, delta int, seq uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		return nil
	}
	if b.seq != 0 && seq != b.seq+1 {
		b.synced = false
		return fmt.Errorf("delta seq %d after %d: %w", seq, b.seq, exchange.ErrStreamGap)
	}

	ladder := b.yes
	if side == types.NO {
		ladder = b.no
	}

	cents := types.Cents(price)
	next := ladder[cents] + delta
	if next < 0 {
		b.synced = false
		return fmt.Errorf("level %d¢ count %d%+d: %w", cents, ladder[cents], delta, exchange.ErrStreamGap)
	}
	if next == 0 {
		delete(ladder, cents)
	} else {
		ladder[cents] = next
	}

	b.seq = seq
	b.updated = time.Now()
	return nil
}

// Synced reports whether the book is safe to quote from.
func (b *Book) Synced() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.synced
}

// Touch returns the YES-frame top of book. The implied YES ask is 1 minus
// the best NO bid. Returns false if either ladder is empty.
func (b *Book) Touch() (types.Touch, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	yesBest, yesCount, ok := bestLevel(b.yes)
	if !ok {
		return types.Touch{}, false
	}
	noBest, _, ok := bestLevel(b.no)
	if !ok {
		return types.Touch{}, false
	}

	return types.Touch{
		Bid:     types.FromCents(yesBest),
		Ask:     types.FromCents(100 - noBest),
		BidSize: yesCount,
	}, true
}

// Top returns the YES-frame top of book with sizes on both sides, for
// microprice-style fair value estimates. Ask size is the resting count
// behind the best NO bid.
func (b *Book) Top() (bid, ask float64, bidSize, askSize int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	yesBest, yesCount, okYes := bestLevel(b.yes)
	noBest, noCount, okNo := bestLevel(b.no)
	if !okYes || !okNo {
		return 0, 0, 0, 0, false
	}
	return types.FromCents(yesBest), types.FromCents(100 - noBest), yesCount, noCount, true
}

// BestBid returns the best resting bid for the given contract side.
func (b *Book) BestBid(side types.ContractSide) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ladder := b.yes
	if side == types.NO {
		ladder = b.no
	}
	cents, _, ok := bestLevel(ladder)
	if !ok {
		return 0, false
	}
	return types.FromCents(cents), true
}

// BidLevels returns one side's ladder sorted best-first (descending price).
func (b *Book) BidLevels(side types.ContractSide) []types.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ladder := b.yes
	if side == types.NO {
		ladder = b.no
	}

	levels := make([]types.PriceLevel, 0, len(ladder))
	for cents, count := range ladder {
		levels = append(levels, types.PriceLevel{Price: types.FromCents(cents), Count: count})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	return levels
}

// IsStale returns true if the book hasn't been updated within maxAge.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the timestamp of the last book update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}

func bestLevel(ladder map[int]int) (cents, count int, ok bool) {
	for c, n := range ladder {
		if !ok || c > cents {
			cents, count, ok = c, n, true
		}
	}
	return cents, count, ok
}

// Package vol estimates per-market price volatility from candle history and
// ranks markets against each other.
//
// Raw volatility is computed in logit space so that a move near the price
// extremes counts as much as the same information-theoretic move near 0.50:
//
//	sigma = EWMA(|Δ logit(close)|, α=0.3)
//
// over 5-minute candles in the lookback window. Closes pinned at the price
// extremes are dropped before differencing. Markets with fewer than
// minReturns usable returns get sigma = 0, a sentinel meaning "insufficient
// data", and are excluded from the cross-market ranking.
//
// The cross-market score is a percentile rank in [0, 1]: the calmest market
// with data scores 0, the wildest scores 1. Scores are published as an
// immutable snapshot swapped in atomically, so readers on the hot path never
// take a lock.
package vol

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kalshi-lip-mm/pkg/types"
)

const (
	ewmaAlpha  = 0.3
	minReturns = 8
	numWorkers = 5
	lookback   = 48 * time.Hour
)

// CandleSource fetches historical candles for a market.
type CandleSource interface {
	GetCandles(ctx context.Context, ticker string, startTS, endTS int64) ([]types.Candle, error)
}

// Entry is one market's volatility measurement.
type Entry struct {
	Sigma float64 // raw logit-space volatility; 0 means insufficient data
	Score float64 // percentile rank among markets with data, in [0, 1]
}

// Cache is an immutable snapshot of all measured markets. Measured counts
// the markets with usable data, i.e. the size of the ranking universe.
type Cache struct {
	Entries   map[string]Entry
	Measured  int
	FetchedAt time.Time
}

// Engine refreshes volatility measurements on a fixed cadence.
type Engine struct {
	source   CandleSource
	interval time.Duration
	logger   *slog.Logger

	cache atomic.Pointer[Cache]

	refreshMu sync.Mutex // serializes Refresh; readers never block on it
	lastRun   time.Time
}

// NewEngine creates a volatility engine. interval gates how often Refresh
// actually hits the candle source.
func NewEngine(source CandleSource, interval time.Duration, logger *slog.Logger) *Engine {
	e := &Engine{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "vol"),
	}
	e.cache.Store(&Cache{Entries: map[string]Entry{}})
	return e
}

// Lookup returns the cached entry for a ticker. ok is false when the market
// has never been measured.
func (e *Engine) Lookup(ticker string) (Entry, bool) {
	entry, ok := e.cache.Load().Entries[ticker]
	return entry, ok
}

// Snapshot returns the current cache. The returned value is immutable.
func (e *Engine) Snapshot() *Cache {
	return e.cache.Load()
}

// Refresh recomputes volatility for the given tickers and swaps in a new
// cache. Calls within the refresh interval are no-ops, so the scheduler can
// invoke it every tick without thought.
func (e *Engine) Refresh(ctx context.Context, tickers []string) {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	if !e.lastRun.IsZero() && time.Since(e.lastRun) < e.interval {
		return
	}
	if len(tickers) == 0 {
		return
	}

	sigmas := e.fetchSigmas(ctx, tickers)
	if ctx.Err() != nil {
		return
	}

	entries, measured := rankSigmas(sigmas)
	e.cache.Store(&Cache{Entries: entries, Measured: measured, FetchedAt: time.Now()})
	e.lastRun = time.Now()

	e.logStats(entries)
}

// fetchSigmas computes raw sigma for every ticker using a small worker pool.
func (e *Engine) fetchSigmas(ctx context.Context, tickers []string) map[string]float64 {
	endTS := time.Now().Unix()
	startTS := time.Now().Add(-lookback).Unix()

	type result struct {
		ticker string
		sigma  float64
	}

	work := make(chan string)
	results := make(chan result)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ticker := range work {
				candles, err := e.source.GetCandles(ctx, ticker, startTS, endTS)
				if err != nil {
					e.logger.Warn("candle fetch failed", "ticker", ticker, "error", err)
					results <- result{ticker: ticker, sigma: 0}
					continue
				}
				results <- result{ticker: ticker, sigma: Sigma(candles)}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, t := range tickers {
			select {
			case work <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	sigmas := make(map[string]float64, len(tickers))
	for r := range results {
		sigmas[r.ticker] = r.sigma
	}
	return sigmas
}

// Sigma computes logit-space EWMA volatility from candles. Returns 0 when
// fewer than minReturns usable returns exist.
func Sigma(candles []types.Candle) float64 {
	// Drop closes pinned at the extremes; logit is unbounded there and a
	// resolved market would otherwise dominate the ranking.
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		if types.IsExtreme(c.Close) {
			continue
		}
		closes = append(closes, c.Close)
	}

	if len(closes) < minReturns+1 {
		return 0
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		returns = append(returns, math.Abs(types.Logit(closes[i])-types.Logit(closes[i-1])))
	}

	return types.EWMA(returns, ewmaAlpha)
}

// rankSigmas converts raw sigmas into percentile-ranked entries. Markets
// with sigma 0 keep score 0 and do not participate in the ranking.
func rankSigmas(sigmas map[string]float64) (map[string]Entry, int) {
	measured := make([]float64, 0, len(sigmas))
	for _, s := range sigmas {
		if s > 0 {
			measured = append(measured, s)
		}
	}
	sort.Float64s(measured)

	entries := make(map[string]Entry, len(sigmas))
	for ticker, s := range sigmas {
		entries[ticker] = Entry{Sigma: s, Score: percentile(measured, s)}
	}
	return entries, len(measured)
}

// percentile returns rank/(N−1) for sigma within the sorted measured slice.
// Ties resolve to the first (lowest) rank. A universe of one scores 0.
func percentile(sorted []float64, sigma float64) float64 {
	if sigma <= 0 || len(sorted) < 2 {
		return 0
	}
	rank := sort.SearchFloat64s(sorted, sigma)
	return float64(rank) / float64(len(sorted)-1)
}

func (e *Engine) logStats(entries map[string]Entry) {
	type ranked struct {
		ticker string
		sigma  float64
	}
	measured := make([]ranked, 0, len(entries))
	for t, en := range entries {
		if en.Sigma > 0 {
			measured = append(measured, ranked{t, en.Sigma})
		}
	}
	if len(measured) == 0 {
		e.logger.Info("vol refresh complete", "markets", len(entries), "measured", 0)
		return
	}

	sort.Slice(measured, func(i, j int) bool { return measured[i].sigma > measured[j].sigma })

	top := make([]string, 0, 5)
	for i := 0; i < len(measured) && i < 5; i++ {
		top = append(top, measured[i].ticker)
	}

	e.logger.Info("vol refresh complete",
		"markets", len(entries),
		"measured", len(measured),
		"max", measured[0].sigma,
		"median", measured[len(measured)/2].sigma,
		"min", measured[len(measured)-1].sigma,
		"top", top,
	)
}

package market

import (
	"context"
	"log/slog"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/pkg/types"
)

// Scanner periodically polls the exchange for markets carrying an active
// liquidity-incentive program and feeds acceptable ones to the engine as
// quoting candidates.
//
// A market must pass every gate to be enqueued:
//   - not already tracked by the engine
//   - not expired
//   - not flagged toxic by the exchange
//   - not measured toxic by our own markout tracking
//   - accepted by the risk gate (time-to-expiry + volatility score)
//
// Candidates flow through a bounded queue. When the engine falls behind,
// the oldest unconsumed candidate is dropped in favor of the newest — a
// fresh discovery is always worth more than a stale one.

// MarketSource lists markets with active incentive programs.
type MarketSource interface {
	GetValidMarkets(ctx context.Context) ([]types.MarketInfo, error)
}

// ToxicityGauge reports whether our fills in a market have been adversely
// selected badly enough to avoid it.
type ToxicityGauge interface {
	IsToxic(ticker string) bool
}

// Scanner discovers quotable incentive-program markets.
type Scanner struct {
	source    MarketSource
	cfg       config.DiscoveryConfig
	isTracked func(ticker string) bool
	riskGate  func(ctx context.Context, m types.MarketInfo) (ok bool, reason string)
	toxicity  ToxicityGauge
	logger    *slog.Logger

	candidates chan types.MarketInfo
}

// NewScanner creates a discovery scanner. isTracked and riskGate are
// supplied by the engine; toxicity may be nil to disable markout gating.
func NewScanner(
	source MarketSource,
	cfg config.DiscoveryConfig,
	isTracked func(string) bool,
	riskGate func(context.Context, types.MarketInfo) (bool, string),
	toxicity ToxicityGauge,
	logger *slog.Logger,
) *Scanner {
	return &Scanner{
		source:     source,
		cfg:        cfg,
		isTracked:  isTracked,
		riskGate:   riskGate,
		toxicity:   toxicity,
		logger:     logger.With("component", "scanner"),
		candidates: make(chan types.MarketInfo, cfg.QueueSize),
	}
}

// Candidates returns the channel the engine drains each tick.
func (s *Scanner) Candidates() <-chan types.MarketInfo {
	return s.candidates
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	// Immediate scan on startup
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	markets, err := s.source.GetValidMarkets(ctx)
	if err != nil {
		s.logger.Error("scan failed", "error", err)
		return
	}

	now := time.Now()
	enqueued := 0
	skipped := map[string]int{}

	for _, m := range markets {
		if s.cfg.ScanCap > 0 && enqueued >= s.cfg.ScanCap {
			break
		}

		switch {
		case s.isTracked != nil && s.isTracked(m.Ticker):
			skipped["tracked"]++
			continue
		case m.Expired(now):
			skipped["expired"]++
			continue
		case m.Toxic:
			skipped["flagged_toxic"]++
			continue
		case s.toxicity != nil && s.toxicity.IsToxic(m.Ticker):
			skipped["markout_toxic"]++
			continue
		}

		if s.riskGate != nil {
			ok, reason := s.riskGate(ctx, m)
			if !ok {
				skipped[reason]++
				continue
			}
		}

		s.enqueue(m)
		enqueued++
	}

	s.logger.Info("scan complete",
		"total", len(markets),
		"enqueued", enqueued,
		"skipped", skipped,
	)
}

// enqueue pushes a candidate, dropping the oldest queued one if full.
func (s *Scanner) enqueue(m types.MarketInfo) {
	select {
	case s.candidates <- m:
		return
	default:
	}

	select {
	case dropped := <-s.candidates:
		s.logger.Warn("candidate queue full, dropping oldest", "ticker", dropped.Ticker)
	default:
	}

	select {
	case s.candidates <- m:
	default:
		s.logger.Warn("candidate queue still full, dropping", "ticker", m.Ticker)
	}
}

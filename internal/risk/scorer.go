// Package risk scores markets for quoting desirability and guards the whole
// bot with a latching circuit breaker.
//
// The score combines two pressures: markets close to expiry are dangerous
// because a resolved outcome gaps the price, and markets ranked volatile
// against the tracked universe are dangerous because resting quotes get
// picked off. Both the discovery gate and the per-tick quote policy consume
// the same scalar.
package risk

import (
	"math"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/vol"
	"kalshi-lip-mm/pkg/types"
)

// sigmaFallbackScale maps a raw sigma onto [0, 1] when no cross-market
// percentile is available (universe of one).
const sigmaFallbackScale = 0.5

// VolSource exposes the volatility cache snapshot.
type VolSource interface {
	Snapshot() *vol.Cache
}

// Scorer computes risk scores from time-to-expiry and the volatility cache.
type Scorer struct {
	cfg  config.LIPConfig
	vols VolSource
}

// NewScorer creates a risk scorer. vols may be nil, in which case the
// volatility term is always zero.
func NewScorer(cfg config.LIPConfig, vols VolSource) *Scorer {
	return &Scorer{cfg: cfg, vols: vols}
}

// Score returns risk_score = exp(−k·hours_to_expiry) · (1 + γ·vol_score).
// Expired markets score the time component at its maximum (hours floors at
// zero). The cache reference is read exactly once per call so a concurrent
// refresh cannot produce a partial read.
func (s *Scorer) Score(m types.MarketInfo, now time.Time) float64 {
	timeRisk := math.Exp(-s.cfg.TimeRiskK * m.HoursToExpiry(now))
	return timeRisk * (1 + s.cfg.VolGamma*s.volScore(m.Ticker))
}

func (s *Scorer) volScore(ticker string) float64 {
	if s.vols == nil {
		return 0
	}
	cache := s.vols.Snapshot()
	entry, ok := cache.Entries[ticker]
	if !ok || entry.Sigma == 0 {
		return 0
	}
	if cache.Measured >= 2 {
		return entry.Score
	}
	// No ranking universe; scale the raw sigma instead.
	return math.Min(1, entry.Sigma/sigmaFallbackScale)
}

// Admit reports whether a market passes the discovery risk gate. With risk
// scoring disabled every market is admitted.
func (s *Scorer) Admit(m types.MarketInfo, now time.Time) (bool, string) {
	if !s.cfg.Enabled {
		return true, ""
	}
	if s.Score(m, now) > s.cfg.RiskThreshold {
		return false, string(types.SkipRisk)
	}
	return true, ""
}

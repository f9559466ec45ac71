package risk

import (
	"math"
	"testing"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/vol"
	"kalshi-lip-mm/pkg/types"
)

func testLIPConfig() config.LIPConfig {
	return config.LIPConfig{
		Enabled:       true,
		RiskThreshold: 3.0,
		TimeRiskK:     0.15,
		VolGamma:      2.0,
	}
}

type fakeVols struct {
	cache *vol.Cache
}

func (f *fakeVols) Snapshot() *vol.Cache {
	if f.cache == nil {
		return &vol.Cache{Entries: map[string]vol.Entry{}}
	}
	return f.cache
}

func marketClosingIn(d time.Duration) types.MarketInfo {
	return types.MarketInfo{Ticker: "MKT", CloseTime: time.Now().Add(d)}
}

func TestScoreTimeOnlyWhenNoVolData(t *testing.T) {
	t.Parallel()
	s := NewScorer(testLIPConfig(), &fakeVols{})

	now := time.Now()
	m := types.MarketInfo{Ticker: "MKT", CloseTime: now.Add(24 * time.Hour)}

	got := s.Score(m, now)
	want := math.Exp(-0.15 * 24)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestScoreWithPercentile(t *testing.T) {
	t.Parallel()

	vols := &fakeVols{cache: &vol.Cache{
		Entries:  map[string]vol.Entry{"MKT": {Sigma: 0.3, Score: 0.9}},
		Measured: 5,
	}}
	s := NewScorer(testLIPConfig(), vols)

	// 15 minutes to close, vol percentile 0.9:
	// exp(−0.15·0.25)·(1+2·0.9) ≈ 2.70
	now := time.Now()
	m := types.MarketInfo{Ticker: "MKT", CloseTime: now.Add(15 * time.Minute)}

	got := s.Score(m, now)
	want := math.Exp(-0.15*0.25) * (1 + 2*0.9)
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got, want)
	}
}

func TestScoreSigmaFallbackWithoutUniverse(t *testing.T) {
	t.Parallel()

	// A universe of one has no meaningful percentile; sigma/0.5 capped at 1
	// substitutes.
	vols := &fakeVols{cache: &vol.Cache{
		Entries:  map[string]vol.Entry{"MKT": {Sigma: 0.2, Score: 0}},
		Measured: 1,
	}}
	s := NewScorer(testLIPConfig(), vols)

	now := time.Now()
	m := types.MarketInfo{Ticker: "MKT", CloseTime: now.Add(24 * time.Hour)}

	got := s.Score(m, now)
	want := math.Exp(-0.15*24) * (1 + 2*0.4) // 0.2/0.5 = 0.4
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("score = %v, want %v", got, want)
	}

	// Fallback caps at 1
	vols.cache.Entries["MKT"] = vol.Entry{Sigma: 2.0}
	got = s.Score(m, now)
	want = math.Exp(-0.15*24) * 3
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("capped score = %v, want %v", got, want)
	}
}

func TestScoreExpiredFloorsHours(t *testing.T) {
	t.Parallel()
	s := NewScorer(testLIPConfig(), &fakeVols{})

	now := time.Now()
	m := types.MarketInfo{Ticker: "MKT", CloseTime: now.Add(-time.Hour)}

	if got := s.Score(m, now); got != 1.0 {
		t.Errorf("score = %v, want 1.0 for expired market with no vol data", got)
	}
}

func TestAdmitNearThreshold(t *testing.T) {
	t.Parallel()

	// Close in 1 minute at vol percentile 1.0 scores just under 3.0 and is
	// still admitted at the default threshold.
	vols := &fakeVols{cache: &vol.Cache{
		Entries:  map[string]vol.Entry{"MKT": {Sigma: 0.5, Score: 1.0}},
		Measured: 10,
	}}
	s := NewScorer(testLIPConfig(), vols)

	now := time.Now()
	m := types.MarketInfo{Ticker: "MKT", CloseTime: now.Add(time.Minute)}

	ok, _ := s.Admit(m, now)
	if !ok {
		t.Errorf("score %v should be admitted at threshold 3.0", s.Score(m, now))
	}

	// A tighter threshold rejects the same market.
	tight := testLIPConfig()
	tight.RiskThreshold = 2.5
	s2 := NewScorer(tight, vols)
	ok, reason := s2.Admit(m, now)
	if ok {
		t.Error("score near 3.0 should be rejected at threshold 2.5")
	}
	if reason != string(types.SkipRisk) {
		t.Errorf("reason = %q, want risk", reason)
	}
}

func TestAdmitDisabledAlwaysPasses(t *testing.T) {
	t.Parallel()

	cfg := testLIPConfig()
	cfg.Enabled = false
	s := NewScorer(cfg, nil)

	ok, _ := s.Admit(marketClosingIn(time.Second), time.Now())
	if !ok {
		t.Error("disabled risk gate should admit everything")
	}
}

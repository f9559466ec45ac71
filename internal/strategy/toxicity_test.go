package strategy

import (
	"math"
	"testing"
	"time"

	"kalshi-lip-mm/pkg/types"
)

func newTestTracker() *Tracker {
	return NewTracker(30*time.Second, 0.4, -0.003)
}

func TestMarkoutWaitsForHorizon(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	tr.RecordFill("MKT", types.BUY, 0.45, now)

	// Too early: nothing matures.
	tr.Observe("MKT", 0.40, now.Add(10*time.Second))
	if _, ok := tr.EMA("MKT"); ok {
		t.Fatal("no markout should mature before the horizon")
	}

	tr.Observe("MKT", 0.40, now.Add(31*time.Second))
	ema, ok := tr.EMA("MKT")
	if !ok {
		t.Fatal("markout should mature after the horizon")
	}
	// Bought at 0.45, mid now 0.40: markout −0.05.
	if math.Abs(ema-(-0.05)) > 1e-9 {
		t.Errorf("ema = %v, want -0.05", ema)
	}
}

func TestMarkoutSignConvention(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	// Sold at 0.45 and the price fell: good flow, positive markout.
	tr.RecordFill("MKT", types.SELL, 0.45, now)
	tr.Observe("MKT", 0.40, now.Add(time.Minute))

	ema, _ := tr.EMA("MKT")
	if math.Abs(ema-0.05) > 1e-9 {
		t.Errorf("sell markout = %v, want +0.05", ema)
	}
}

func TestEMABlendsSamples(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	tr.RecordFill("MKT", types.BUY, 0.45, now)
	tr.Observe("MKT", 0.45, now.Add(time.Minute)) // markout 0

	tr.RecordFill("MKT", types.BUY, 0.45, now.Add(time.Minute))
	tr.Observe("MKT", 0.35, now.Add(2*time.Minute)) // markout -0.10

	// 0.4·(−0.10) + 0.6·0 = −0.04
	ema, _ := tr.EMA("MKT")
	if math.Abs(ema-(-0.04)) > 1e-9 {
		t.Errorf("ema = %v, want -0.04", ema)
	}
}

func TestToxicityThresholds(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	if tr.IsToxic("MKT") || tr.SuppressBids("MKT") {
		t.Fatal("unmeasured market is neither toxic nor bid-suppressed")
	}

	// Mildly adverse: past the bid-suppression bound (−0.003) but inside
	// the 3× discovery bound (−0.009).
	tr.RecordFill("MILD", types.BUY, 0.45, now)
	tr.Observe("MILD", 0.446, now.Add(time.Minute)) // markout -0.004
	if !tr.SuppressBids("MILD") {
		t.Error("adverse markout should suppress bids")
	}
	if tr.IsToxic("MILD") {
		t.Error("mildly adverse market should still pass discovery")
	}

	// Badly adverse: past both bounds.
	tr.RecordFill("MKT", types.BUY, 0.45, now)
	tr.Observe("MKT", 0.44, now.Add(time.Minute)) // markout -0.01
	if !tr.SuppressBids("MKT") || !tr.IsToxic("MKT") {
		t.Error("badly adverse markout should suppress bids and bar discovery")
	}

	// Good flow elsewhere stays clean.
	tr.RecordFill("OTHER", types.BUY, 0.45, now)
	tr.Observe("OTHER", 0.46, now.Add(time.Minute))
	if tr.IsToxic("OTHER") || tr.SuppressBids("OTHER") {
		t.Error("positive markout market flagged")
	}
}

func TestForgetClearsState(t *testing.T) {
	t.Parallel()
	tr := newTestTracker()
	now := time.Now()

	tr.RecordFill("MKT", types.BUY, 0.45, now)
	tr.Observe("MKT", 0.40, now.Add(time.Minute))
	tr.Forget("MKT")

	if _, ok := tr.EMA("MKT"); ok {
		t.Error("forgotten market should have no EMA")
	}
}

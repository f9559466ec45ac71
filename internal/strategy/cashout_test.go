package strategy

import (
	"testing"

	"kalshi-lip-mm/pkg/types"
)

func TestDetectResolvedYes(t *testing.T) {
	t.Parallel()

	res, ok, contradictory := DetectResolved(0.99, 0.995)
	if contradictory {
		t.Fatal("consistent book flagged contradictory")
	}
	if !ok || res.Side != types.YES {
		t.Errorf("res = %+v ok=%v, want resolved YES", res, ok)
	}

	// Exactly at the edge counts.
	if _, ok, _ := DetectResolved(0.985, 0.99); !ok {
		t.Error("yes bid at 0.985 should count as resolved")
	}
}

func TestDetectResolvedNo(t *testing.T) {
	t.Parallel()

	// YES ask at 0.01 means NO is bid near certainty.
	res, ok, contradictory := DetectResolved(0.005, 0.01)
	if contradictory {
		t.Fatal("consistent book flagged contradictory")
	}
	if !ok || res.Side != types.NO {
		t.Errorf("res = %+v ok=%v, want resolved NO", res, ok)
	}
}

func TestDetectResolvedUnresolved(t *testing.T) {
	t.Parallel()

	for _, tc := range [][2]float64{
		{0.45, 0.47},
		{0.90, 0.92},
		{0.05, 0.07},
		{0.98, 0.984}, // close but inside both edges
	} {
		if _, ok, contradictory := DetectResolved(tc[0], tc[1]); ok || contradictory {
			t.Errorf("bid=%v ask=%v should be unresolved", tc[0], tc[1])
		}
	}
}

func TestDetectResolvedContradiction(t *testing.T) {
	t.Parallel()

	// Both contracts bid near certainty: yes bid 0.99 and yes ask 0.01
	// (i.e. no bid 0.99) cannot both be right.
	_, ok, contradictory := DetectResolved(0.99, 0.01)
	if !contradictory {
		t.Fatal("expected contradiction flag")
	}
	if ok {
		t.Error("contradictory book must not report a resolution")
	}
}

func TestCashoutDirection(t *testing.T) {
	t.Parallel()

	order, ok := CashoutFor(40, 0.99, 0.995)
	if !ok {
		t.Fatal("long inventory should produce a cashout")
	}
	if order.Side != types.SELL || order.Price != 0.99 || order.Size != 40 {
		t.Errorf("long cashout = %+v, want sell 40 at bid", order)
	}

	order, ok = CashoutFor(-25, 0.005, 0.01)
	if !ok {
		t.Fatal("short inventory should produce a cashout")
	}
	if order.Side != types.BUY || order.Price != 0.01 || order.Size != 25 {
		t.Errorf("short cashout = %+v, want buy 25 at ask", order)
	}

	if _, ok := CashoutFor(0, 0.99, 0.995); ok {
		t.Error("flat position needs no cashout")
	}
}

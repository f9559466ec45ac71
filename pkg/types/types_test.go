package types

import (
	"math"
	"testing"
	"time"
)

func TestToTick(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.50},
		{0.444, 0.44},
		{0.445, 0.45}, // half rounds up
		{0.485, 0.49},
		{0.004, 0.01}, // clamp low
		{0.0, 0.01},
		{-0.2, 0.01},
		{0.994, 0.99}, // clamp high
		{1.0, 0.99},
		{1.7, 0.99},
	}

	for _, tt := range tests {
		if got := ToTick(tt.in); got != tt.want {
			t.Errorf("ToTick(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestToTickIdempotent(t *testing.T) {
	t.Parallel()

	for c := 1; c <= 99; c++ {
		p := float64(c) / 100
		once := ToTick(p)
		twice := ToTick(once)
		if once != twice {
			t.Errorf("ToTick not idempotent at %v: %v != %v", p, once, twice)
		}
	}
}

func TestCentsRoundTrip(t *testing.T) {
	t.Parallel()

	for c := 1; c <= 99; c++ {
		if got := Cents(FromCents(c)); got != c {
			t.Errorf("Cents(FromCents(%d)) = %d", c, got)
		}
	}
}

func TestTicksBetween(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b float64
		want int
	}{
		{0.45, 0.45, 0},
		{0.45, 0.44, 1},
		{0.44, 0.45, 1},
		{0.99, 0.01, 98},
	}

	for _, tt := range tests {
		if got := TicksBetween(tt.a, tt.b); got != tt.want {
			t.Errorf("TicksBetween(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestLogitSymmetry(t *testing.T) {
	t.Parallel()

	if got := Logit(0.5); math.Abs(got) > 1e-12 {
		t.Errorf("Logit(0.5) = %v, want 0", got)
	}

	// logit(p) = -logit(1-p)
	for _, p := range []float64{0.02, 0.25, 0.40, 0.73} {
		if d := Logit(p) + Logit(1-p); math.Abs(d) > 1e-9 {
			t.Errorf("Logit(%v) + Logit(%v) = %v, want 0", p, 1-p, d)
		}
	}
}

func TestIsExtreme(t *testing.T) {
	t.Parallel()

	if !IsExtreme(0.01) || !IsExtreme(0.99) {
		t.Error("grid boundaries should be extreme")
	}
	if IsExtreme(0.02) || IsExtreme(0.50) || IsExtreme(0.98) {
		t.Error("interior ticks should not be extreme")
	}
}

func TestEWMA(t *testing.T) {
	t.Parallel()

	if got := EWMA(nil, 0.3); got != 0 {
		t.Errorf("EWMA(nil) = %v, want 0", got)
	}
	if got := EWMA([]float64{0.7}, 0.3); got != 0.7 {
		t.Errorf("EWMA single = %v, want 0.7", got)
	}

	// y1 = 0.3*2 + 0.7*1 = 1.3; y2 = 0.3*3 + 0.7*1.3 = 1.81
	got := EWMA([]float64{1, 2, 3}, 0.3)
	if math.Abs(got-1.81) > 1e-12 {
		t.Errorf("EWMA = %v, want 1.81", got)
	}

	// alpha = 1 means the last sample wins
	if got := EWMA([]float64{5, 9, 2}, 1.0); got != 2 {
		t.Errorf("EWMA alpha=1 = %v, want 2", got)
	}
}

func TestMarketInfoExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	m := MarketInfo{Ticker: "TEST", CloseTime: now.Add(24 * time.Hour)}

	if m.Expired(now) {
		t.Error("market should not be expired 24h before close")
	}
	if !m.Expired(now.Add(25 * time.Hour)) {
		t.Error("market should be expired after close")
	}
	if got := m.HoursToExpiry(now); math.Abs(got-24) > 1e-9 {
		t.Errorf("HoursToExpiry = %v, want 24", got)
	}
	if got := m.HoursToExpiry(now.Add(48 * time.Hour)); got != 0 {
		t.Errorf("HoursToExpiry past close = %v, want 0", got)
	}
}

func TestTouchSpread(t *testing.T) {
	t.Parallel()

	if got := (Touch{Bid: 0.45, Ask: 0.47}).Spread(); math.Abs(got-0.02) > 1e-12 {
		t.Errorf("Spread = %v, want 0.02", got)
	}
	// crossed synthetic touch floors at zero
	if got := (Touch{Bid: 0.50, Ask: 0.48}).Spread(); got != 0 {
		t.Errorf("crossed Spread = %v, want 0", got)
	}
}

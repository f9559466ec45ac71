// ticks.go implements the price-grid and volatility math primitives.
//
// Prices live on the discrete cent grid {0.01, …, 0.99}. ToTick is the single
// entry point onto the grid: round half up to the nearest cent, clamp to the
// grid boundaries. Decimal arithmetic avoids float artifacts like
// 0.485 rounding down.
package types

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// Tick is the smallest price increment.
	Tick = 0.01

	// MinPrice and MaxPrice bound the valid grid.
	MinPrice = 0.01
	MaxPrice = 0.99
)

// ToTick rounds a price to the nearest cent (half up) and clamps it to
// [0.01, 0.99]. Idempotent: ToTick(ToTick(x)) == ToTick(x).
func ToTick(p float64) float64 {
	d := decimal.NewFromFloat(p).Round(2)
	v, _ := d.Float64()
	if v < MinPrice {
		return MinPrice
	}
	if v > MaxPrice {
		return MaxPrice
	}
	return v
}

// Cents converts a grid price to integer cents.
func Cents(p float64) int {
	return int(math.Round(ToTick(p) * 100))
}

// FromCents converts integer cents back to a grid price.
func FromCents(c int) float64 {
	return ToTick(float64(c) / 100)
}

// TicksBetween returns the distance between two grid prices in whole ticks.
func TicksBetween(a, b float64) int {
	d := Cents(a) - Cents(b)
	if d < 0 {
		d = -d
	}
	return d
}

// Logit maps an interior grid price to log(p/(1−p)). Extreme ticks (0.01 and
// 0.99) are the pre-image of the unbounded tails and are rejected from
// volatility inputs; IsExtreme identifies them.
func Logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

// IsExtreme reports whether a price sits on the grid boundary.
func IsExtreme(p float64) bool {
	c := Cents(p)
	return c <= 1 || c >= 99
}

// EWMA computes the exponentially-weighted moving average of xs with
// smoothing alpha in (0, 1]: y0 = x0, y_t = alpha·x_t + (1−alpha)·y_{t−1}.
// Returns the final value; zero for an empty input.
func EWMA(xs []float64, alpha float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	y := xs[0]
	for _, x := range xs[1:] {
		y = alpha*x + (1-alpha)*y
	}
	return y
}

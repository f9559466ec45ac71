package strategy

import (
	"math"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/pkg/types"
)

// Quote-level policy: given the qualifying band, the risk score and the
// current inventory, pick how many ticks behind the touch to rest — or skip.
//
// The incentive program pays for depth near the touch, discounted per tick
// away from it, so the band is built from the book levels that accumulate
// the program's target size. The policy never improves on the touch: joining
// earns the full rebate without tightening the market against ourselves.

// skewTickRange is the tick span the inventory skew maps onto.
const skewTickRange = 3.0

// BuildBand walks side levels (sorted best-first) until the accumulated
// size reaches the target. Returns nil when the book is too thin to
// accumulate the target — a market we should not quote.
func BuildBand(levels []types.PriceLevel, target int, discount float64) []types.BandLevel {
	if target <= 0 || len(levels) == 0 {
		return nil
	}

	best := levels[0].Price
	band := make([]types.BandLevel, 0, len(levels))
	accumulated := 0

	for _, lvl := range levels {
		ticks := types.TicksBetween(best, lvl.Price)
		band = append(band, types.BandLevel{
			Price:         lvl.Price,
			Size:          lvl.Count,
			TicksFromBest: ticks,
			Multiplier:    math.Pow(discount, float64(ticks)),
		})
		accumulated += lvl.Count
		if accumulated >= target {
			return band
		}
	}
	return nil
}

// Intensity is the rebate competition at the touch: size resting at the
// best level divided by the program target.
func Intensity(band []types.BandLevel, target int) float64 {
	if len(band) == 0 || target <= 0 {
		return 0
	}
	return float64(band[0].Size) / float64(target)
}

// Policy chooses quote levels from risk and inventory.
type Policy struct {
	trading config.TradingConfig
	lip     config.LIPConfig
}

func NewPolicy(trading config.TradingConfig, lip config.LIPConfig) *Policy {
	return &Policy{trading: trading, lip: lip}
}

// ChooseLevel picks the price level for one side. best is the touch price on
// that side (best bid for bids, best ask for asks). Returns a skip reason
// instead of a level when the side should not be quoted.
func (p *Policy) ChooseLevel(
	side types.Side,
	band []types.BandLevel,
	riskScore float64,
	inventory int,
	best float64,
	target int,
) (*types.QuoteLevel, types.SkipReason) {
	if band == nil {
		return nil, types.SkipThinBook
	}
	if riskScore > p.lip.RiskThreshold {
		return nil, types.SkipRisk
	}
	// Enough size already resting at the touch; the rebate target is met
	// without us.
	if band[0].Size >= target {
		return nil, types.SkipLIPTargetMet
	}

	var ticks int
	switch {
	case riskScore < p.lip.MediumRiskThreshold:
		ticks = 0 // join touch
	case riskScore < p.lip.HighRiskThreshold:
		ticks = 1 // one tick behind
	default:
		return nil, types.SkipRisk
	}

	ticks += p.skewTicks(side, inventory)

	// Never rest deeper than the band itself extends.
	if maxTicks := band[len(band)-1].TicksFromBest; ticks > maxTicks {
		ticks = maxTicks
	}

	// Never improve: back away from the touch, not toward it.
	var price float64
	if side == types.BUY {
		price = types.ToTick(best - float64(ticks)*types.Tick)
	} else {
		price = types.ToTick(best + float64(ticks)*types.Tick)
	}

	if price < 0.02 || price > 0.98 {
		return nil, types.SkipExtremePrice
	}

	return &types.QuoteLevel{
		Price:         price,
		Size:          target,
		TicksFromBest: ticks,
		Multiplier:    math.Pow(p.lip.DiscountFactor, float64(ticks)),
	}, types.SkipNone
}

// skewTicks backs the exposure-increasing side away from the touch once the
// position enters the limit buffer, the top PositionLimitBuffer fraction of
// the cap: a long book retreats its bid, a short book retreats its ask.
// Below the buffer no skew applies; inside it the retreat scales linearly,
// reaching InventorySkewFactor·skewTickRange ticks at the cap.
func (p *Policy) skewTicks(side types.Side, inventory int) int {
	maxPos := p.trading.MaxPosition
	if maxPos <= 0 || p.trading.PositionLimitBuffer <= 0 {
		return 0
	}
	if (side == types.BUY && inventory <= 0) || (side == types.SELL && inventory >= 0) {
		return 0
	}

	start := float64(maxPos) * (1 - p.trading.PositionLimitBuffer)
	excess := float64(abs(inventory)) - start
	if excess <= 0 {
		return 0
	}
	ratio := excess / (float64(maxPos) - start)
	if ratio > 1 {
		ratio = 1
	}
	return int(math.Floor(p.trading.InventorySkewFactor * ratio * skewTickRange))
}

// ApplyMinWidth widens a bid/ask pair symmetrically around its midpoint
// until the quoted width reaches the configured minimum. A zero minimum
// leaves the pair untouched.
func (p *Policy) ApplyMinWidth(bid, ask *types.QuoteLevel) {
	if bid == nil || ask == nil || p.trading.MinQuoteWidthCents <= 0 {
		return
	}

	width := types.TicksBetween(bid.Price, ask.Price)
	if width >= p.trading.MinQuoteWidthCents {
		return
	}

	deficit := p.trading.MinQuoteWidthCents - width
	bidMove := (deficit + 1) / 2
	askMove := deficit / 2
	bid.Price = types.ToTick(bid.Price - float64(bidMove)*types.Tick)
	ask.Price = types.ToTick(ask.Price + float64(askMove)*types.Tick)
	bid.TicksFromBest += bidMove
	ask.TicksFromBest += askMove
	bid.Multiplier = math.Pow(p.lip.DiscountFactor, float64(bid.TicksFromBest))
	ask.Multiplier = math.Pow(p.lip.DiscountFactor, float64(ask.TicksFromBest))
}

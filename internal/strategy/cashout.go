package strategy

import (
	"kalshi-lip-mm/pkg/types"
)

// Resolved-market detection. When a market has effectively resolved, one
// contract trades at ~99 cents and its complement at ~1 cent. Resting
// quotes there earn nothing and any inventory should be converted to cash
// immediately rather than waiting for settlement.

const (
	edgeHigh = 0.985
	edgeLow  = 0.015
)

// Resolution is the outcome a resolved book implies.
type Resolution struct {
	Side types.ContractSide
}

// DetectResolved inspects the YES-frame touch for a resolved market.
// yesAsk is implied (1 − best NO bid), so yesAsk ≤ edgeLow means the NO
// contract is bid near certainty.
//
// ok is false when the market is not resolved. contradictory is true when
// both contracts are simultaneously bid near certainty — an inconsistent
// book we must not trade against.
func DetectResolved(yesBid, yesAsk float64) (res Resolution, ok, contradictory bool) {
	yesCertain := yesBid >= edgeHigh
	noCertain := yesAsk <= edgeLow // ⇔ best NO bid ≥ edgeHigh

	switch {
	case yesCertain && noCertain:
		return Resolution{}, false, true
	case yesCertain:
		return Resolution{Side: types.YES}, true, false
	case noCertain:
		return Resolution{Side: types.NO}, true, false
	default:
		return Resolution{}, false, false
	}
}

// CashoutOrder describes the single IOC order that flattens a position in a
// resolved market: long inventory is sold at the best YES bid, short
// inventory is bought back at the best YES ask. Whichever way the market
// resolved, the position is closed in the YES frame.
type CashoutOrder struct {
	Side  types.Side
	Price float64
	Size  int
}

// CashoutFor returns the flattening order for the given signed inventory,
// or false for a flat position.
func CashoutFor(inventory int, yesBid, yesAsk float64) (CashoutOrder, bool) {
	switch {
	case inventory > 0:
		return CashoutOrder{Side: types.SELL, Price: yesBid, Size: inventory}, true
	case inventory < 0:
		return CashoutOrder{Side: types.BUY, Price: yesAsk, Size: -inventory}, true
	default:
		return CashoutOrder{}, false
	}
}

// Package strategy implements passive liquidity provision for binary
// prediction markets running an exchange liquidity-incentive program.
//
// Unlike a spread-capture strategy, the goal is to keep qualifying size
// resting near the touch on both sides to earn the program rebate, while
// never improving the market against ourselves and keeping inventory inside
// hard caps. Each Maker owns one market and is driven by the scheduler's
// tick; the only asynchronous path is the reactive ask update triggered by
// order-book events.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/market"
	"kalshi-lip-mm/internal/risk"
	"kalshi-lip-mm/pkg/types"
)

const fillQueueSize = 32

// OrderClient places and cancels orders on the exchange.
type OrderClient interface {
	PlaceOrder(ctx context.Context, ticker string, side types.Side, price float64, size int, tif types.TimeInForce) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// HealthSink receives the outcome of every REST call so the circuit breaker
// can count consecutive failures.
type HealthSink interface {
	RecordSuccess()
	RecordError(err error)
}

// Maker runs the quoting state machine for a single market. All mutable
// state is guarded by mu; Tick (scheduler) and OnBookUpdate (stream
// dispatcher) both take it.
type Maker struct {
	cfg    config.TradingConfig
	info   types.MarketInfo
	book   *market.Book
	inv    *Inventory
	policy *Policy
	scorer *risk.Scorer
	client OrderClient
	health HealthSink
	tox    *Tracker                 // may be nil
	onSave func(Position)           // persistence hook, may be nil
	logger *slog.Logger

	fills chan types.WSFillMsg

	mu               sync.Mutex
	state            types.MarketState
	live             map[types.Side]*types.LiveOrder
	lastTouch        types.Touch
	haveTouch        bool
	improvedOnTouch  bool
	lastImprovement  time.Time
	lastReactiveAsk  time.Time
	fastMoveUntil    time.Time
	cashoutSubmitted bool
}

// NewMaker creates a maker in the tracked state. The engine admits markets
// through discovery before constructing makers, so there is no idle phase
// here.
func NewMaker(
	cfg config.TradingConfig,
	info types.MarketInfo,
	book *market.Book,
	inv *Inventory,
	policy *Policy,
	scorer *risk.Scorer,
	client OrderClient,
	health HealthSink,
	tox *Tracker,
	onSave func(Position),
	logger *slog.Logger,
) *Maker {
	return &Maker{
		cfg:    cfg,
		info:   info,
		book:   book,
		inv:    inv,
		policy: policy,
		scorer: scorer,
		client: client,
		health: health,
		tox:    tox,
		onSave: onSave,
		logger: logger.With("component", "maker", "market", info.Ticker),
		fills:  make(chan types.WSFillMsg, fillQueueSize),
		state:  types.StateTracked,
		live:   make(map[types.Side]*types.LiveOrder),
	}
}

func (m *Maker) Ticker() string { return m.info.Ticker }

func (m *Maker) State() types.MarketState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Maker) Inventory() *Inventory { return m.inv }

// TotalPnL marks the position against the current mid; used by the
// scheduler's PnL sweep.
func (m *Maker) TotalPnL() float64 {
	total := m.inv.Snapshot().RealizedPnL
	if touch, ok := m.book.Touch(); ok {
		total += m.inv.UnrealizedPnL((touch.Bid + touch.Ask) / 2)
	}
	return total
}

// EnqueueFill hands a fill from the stream dispatcher to the maker.
// Non-blocking: the queue is drained at the start of every tick.
func (m *Maker) EnqueueFill(fill types.WSFillMsg) {
	select {
	case m.fills <- fill:
	default:
		m.logger.Warn("fill queue full, dropping", "order_id", fill.OrderID)
	}
}

// Tick runs one scheduler pass: apply fills, refresh the view of the book,
// detect resolution, and reconcile quotes with the state machine.
func (m *Maker) Tick(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.drainFills()

	if m.state == types.StateClosed {
		return
	}

	// Trading stops at close time; whatever inventory remains settles at
	// resolution. Pull anything still resting and untrack.
	if m.info.Expired(now) {
		m.logger.Info("market past close time",
			"close_time", m.info.CloseTime, "inventory", m.inv.Net())
		m.close(ctx)
		return
	}

	touch, ok := m.book.Touch()
	if !ok || !m.book.Synced() {
		return
	}
	if m.cfg.StaleBookTimeout > 0 && m.book.IsStale(m.cfg.StaleBookTimeout) {
		m.logger.Debug("book stale, holding quotes", "last_update", m.book.LastUpdated())
		return
	}
	m.observeTouch(ctx, touch, now)

	if m.tox != nil {
		// Markouts measure against the size-weighted microprice: it reads
		// through a one-sided queue better than the plain mid.
		mid := (touch.Bid + touch.Ask) / 2
		if b, a, bs, as, topOK := m.book.Top(); topOK && bs+as > 0 {
			mid = (b*float64(as) + a*float64(bs)) / float64(bs+as)
		}
		m.tox.Observe(m.info.Ticker, mid, now)
	}

	// Resolved market: flatten and leave.
	if res, resolved, contradictory := DetectResolved(touch.Bid, touch.Ask); contradictory {
		m.logger.Warn("inconsistent book, both contracts bid near certainty",
			"bid", touch.Bid, "ask", touch.Ask)
		return
	} else if resolved {
		m.cashout(ctx, res, touch)
		return
	}

	if m.state == types.StateBlocked {
		return // waits for observeTouch to unblock on a touch change
	}

	// Final stretch before expiry: stop accumulating, only unwind.
	if m.info.HoursToExpiry(now) < m.cfg.HardExpiryHours && m.state != types.StateExiting {
		m.logger.Info("hard expiry window, exit-only")
		m.state = types.StateExiting
	}

	if m.state == types.StateExiting && m.inv.Net() == 0 {
		m.close(ctx)
		return
	}

	if now.Before(m.fastMoveUntil) {
		return
	}

	bid, ask, skip := m.desiredQuotes(touch, now)
	if !m.applySkip(ctx, skip) {
		return
	}

	// Degenerate pair: quoting both sides at a crossed or zero-width price
	// earns nothing and risks self-matching.
	if bid != nil && ask != nil && bid.Price >= ask.Price {
		m.logger.Debug("degenerate quote pair", "bid", bid.Price, "ask", ask.Price)
		m.cancelSide(ctx, types.BUY)
		m.cancelSide(ctx, types.SELL)
		m.state = types.StateBlocked
		return
	}

	m.reconcile(ctx, types.BUY, bid, now)
	m.reconcile(ctx, types.SELL, ask, now)

	if m.state == types.StateTracked && (m.live[types.BUY] != nil || m.live[types.SELL] != nil) {
		m.state = types.StateQuoting
	}
}

// OnBookUpdate is the reactive path: when the touch moves and we hold long
// inventory, the resting ask is repriced without waiting for the next tick,
// subject to a per-market cooldown. Bids always wait for the tick.
func (m *Maker) OnBookUpdate(ctx context.Context, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateQuoting && m.state != types.StateExiting {
		return
	}
	if m.inv.Net() <= 0 {
		return
	}
	if now.Sub(m.lastReactiveAsk) < m.cfg.OrderbookUpdateCooldown {
		return
	}

	touch, ok := m.book.Touch()
	if !ok || !m.book.Synced() {
		return
	}
	if m.haveTouch && touch == m.lastTouch {
		return
	}
	m.observeTouch(ctx, touch, now)
	if now.Before(m.fastMoveUntil) {
		return
	}

	_, ask, skip := m.desiredQuotes(touch, now)
	if skip != types.SkipNone && skip != types.SkipThinBook {
		return
	}

	m.lastReactiveAsk = now
	m.reconcile(ctx, types.SELL, ask, now)
}

// CancelAll cancels both live orders; used on breaker trips and shutdown.
func (m *Maker) CancelAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelSide(ctx, types.BUY)
	m.cancelSide(ctx, types.SELL)
}

// observeTouch handles touch-change bookkeeping: resetting the per-touch
// improvement budget, unblocking a blocked market, and arming the fast-move
// guard when the touch gaps more than one tick.
func (m *Maker) observeTouch(ctx context.Context, touch types.Touch, now time.Time) {
	if m.haveTouch && touch == m.lastTouch {
		return
	}

	if m.haveTouch {
		m.improvedOnTouch = false
		if m.state == types.StateBlocked {
			m.state = types.StateTracked
		}

		if types.TicksBetween(touch.Bid, m.lastTouch.Bid) > 1 ||
			types.TicksBetween(touch.Ask, m.lastTouch.Ask) > 1 {
			m.logger.Info("fast touch move, pulling quotes",
				"old_bid", m.lastTouch.Bid, "new_bid", touch.Bid,
				"cooldown", m.cfg.FastMoveCooldown)
			m.cancelSide(ctx, types.BUY)
			m.cancelSide(ctx, types.SELL)
			m.fastMoveUntil = now.Add(m.cfg.FastMoveCooldown)
		}
	}

	m.lastTouch = touch
	m.haveTouch = true
}

// desiredQuotes computes both sides' target quotes for the current tick.
// The returned skip reason is the bid side's when both sides skip.
func (m *Maker) desiredQuotes(touch types.Touch, now time.Time) (bid, ask *types.QuoteLevel, skip types.SkipReason) {
	riskScore := m.scorer.Score(m.info, now)
	inventory := m.inv.Net()
	target := m.info.LIPTarget

	bidBand := BuildBand(m.book.BidLevels(types.YES), target, m.policy.lip.DiscountFactor)
	askBand := BuildBand(m.book.BidLevels(types.NO), target, m.policy.lip.DiscountFactor)

	var bidSkip, askSkip types.SkipReason
	bid, bidSkip = m.policy.ChooseLevel(types.BUY, bidBand, riskScore, inventory, touch.Bid, target)
	ask, askSkip = m.policy.ChooseLevel(types.SELL, askBand, riskScore, inventory, touch.Ask, target)

	// The rebate target keys off the YES best bid alone: once enough size
	// rests there the market earns nothing more for us, whatever the ask
	// side looks like. Flat books untrack; held positions flatten out.
	if bidSkip == types.SkipLIPTargetMet {
		if inventory == 0 {
			return nil, nil, bidSkip
		}
		if m.state != types.StateExiting {
			m.logger.Info("rebate target met at the best bid, exit-only")
			m.state = types.StateExiting
		}
	}

	// Adverse flow: stop adding exposure while the markout EMA is bad.
	// A short position may still bid its way flat.
	if m.tox != nil && inventory >= 0 && m.tox.SuppressBids(m.info.Ticker) {
		m.logger.Debug("bids suppressed, adverse markout")
		bid = nil
	}

	// Exit-only: quote only the side that reduces the position.
	if m.state == types.StateExiting {
		if inventory > 0 {
			bid = nil
		} else {
			ask = nil
		}
	}

	// Inventory cap: suppress the side that would extend a full position,
	// and shrink sizes to the remaining headroom.
	if bid != nil {
		if headroom := m.cfg.MaxPosition - inventory; headroom <= 0 {
			bid = nil
		} else if bid.Size > headroom {
			bid.Size = headroom
		}
	}
	if ask != nil {
		if headroom := m.cfg.MaxPosition + inventory; headroom <= 0 {
			ask = nil
		} else if ask.Size > headroom {
			ask.Size = headroom
		}
	}

	m.policy.ApplyMinWidth(bid, ask)

	if bid == nil && ask == nil {
		if bidSkip != types.SkipNone {
			return nil, nil, bidSkip
		}
		return nil, nil, askSkip
	}
	return bid, ask, types.SkipNone
}

// applySkip runs the state-machine transitions for an all-sides skip.
// Returns false when the tick should stop after the transition.
func (m *Maker) applySkip(ctx context.Context, skip types.SkipReason) bool {
	switch skip {
	case types.SkipNone:
		return true

	case types.SkipRisk:
		if m.inv.Net() == 0 {
			m.close(ctx)
		} else {
			m.cancelSide(ctx, types.BUY)
			m.state = types.StateExiting
		}

	case types.SkipLIPTargetMet:
		m.cancelSide(ctx, types.BUY)
		if m.inv.Net() == 0 {
			m.close(ctx)
		} else {
			m.state = types.StateExiting
		}

	case types.SkipExtremePrice:
		m.cancelSide(ctx, types.BUY)
		m.cancelSide(ctx, types.SELL)
		m.state = types.StateBlocked

	case types.SkipThinBook:
		// Book can recover next tick; keep orders off but stay tracked.
		m.cancelSide(ctx, types.BUY)
		m.cancelSide(ctx, types.SELL)
	}
	return false
}

// reconcile brings one side's live order in line with the desired quote.
// Replacement is cancel-then-place: the cancel must be acknowledged before
// the new order goes out, so we are never doubled up on a side.
func (m *Maker) reconcile(ctx context.Context, side types.Side, desired *types.QuoteLevel, now time.Time) {
	live := m.live[side]

	if desired == nil {
		m.cancelSide(ctx, side)
		return
	}

	if live == nil {
		if now.Sub(m.lastImprovement) < m.cfg.ImproveCooldown {
			return
		}
		m.place(ctx, side, desired, now)
		return
	}

	if live.Price == desired.Price {
		return
	}

	improving := (side == types.BUY && desired.Price > live.Price) ||
		(side == types.SELL && desired.Price < live.Price)
	if improving && m.cfg.ImproveOncePerTouch && m.improvedOnTouch {
		return
	}

	if !m.cancelSide(ctx, side) {
		return
	}
	m.place(ctx, side, desired, now)
	if improving {
		m.improvedOnTouch = true
	}
}

func (m *Maker) place(ctx context.Context, side types.Side, q *types.QuoteLevel, now time.Time) {
	orderID, err := m.client.PlaceOrder(ctx, m.info.Ticker, side, q.Price, q.Size, types.TIFGTC)
	if err != nil {
		m.health.RecordError(err)
		m.logger.Error("place failed", "side", side, "price", q.Price, "error", err)
		return
	}
	m.health.RecordSuccess()

	m.live[side] = &types.LiveOrder{
		OrderID:       orderID,
		Side:          side,
		Price:         q.Price,
		RemainingSize: q.Size,
		SubmitTS:      now,
	}
	m.lastImprovement = now
	m.logger.Info("placed", "side", side, "price", q.Price, "size", q.Size,
		"ticks_behind", q.TicksFromBest)
}

// cancelSide cancels the live order on a side, if any. Returns true when
// the side is clear (no order, or cancel acknowledged).
func (m *Maker) cancelSide(ctx context.Context, side types.Side) bool {
	live := m.live[side]
	if live == nil {
		return true
	}

	if err := m.client.CancelOrder(ctx, live.OrderID); err != nil {
		m.health.RecordError(err)
		m.logger.Error("cancel failed", "side", side, "order_id", live.OrderID, "error", err)
		return false
	}
	m.health.RecordSuccess()
	delete(m.live, side)
	return true
}

// cashout flattens a resolved market: cancel everything, then one IOC for
// the whole position. The market closes once the fill stream brings
// inventory back to zero.
func (m *Maker) cashout(ctx context.Context, res Resolution, touch types.Touch) {
	m.cancelSide(ctx, types.BUY)
	m.cancelSide(ctx, types.SELL)

	order, ok := CashoutFor(m.inv.Net(), touch.Bid, touch.Ask)
	if !ok {
		m.close(ctx)
		return
	}
	if m.cashoutSubmitted {
		m.state = types.StateExiting
		return
	}

	m.logger.Info("market resolved, cashing out",
		"resolution", res.Side, "side", order.Side, "price", order.Price, "size", order.Size)

	orderID, err := m.client.PlaceOrder(ctx, m.info.Ticker, order.Side, order.Price, order.Size, types.TIFIOC)
	if err != nil {
		m.health.RecordError(err)
		m.logger.Error("cashout failed", "error", err)
		return
	}
	m.health.RecordSuccess()
	m.live[order.Side] = &types.LiveOrder{
		OrderID:       orderID,
		Side:          order.Side,
		Price:         order.Price,
		RemainingSize: order.Size,
		SubmitTS:      time.Now(),
	}
	m.cashoutSubmitted = true
	m.state = types.StateExiting
}

func (m *Maker) close(ctx context.Context) {
	m.cancelSide(ctx, types.BUY)
	m.cancelSide(ctx, types.SELL)
	m.state = types.StateClosed
	m.logger.Info("market closed", "realized_pnl", m.inv.Snapshot().RealizedPnL)
}

// drainFills applies queued fill events: inventory, live-order bookkeeping,
// markout tracking, persistence. Caller holds m.mu.
func (m *Maker) drainFills() {
	for {
		select {
		case fill := <-m.fills:
			m.applyFill(fill)
		default:
			return
		}
	}
}

func (m *Maker) applyFill(fill types.WSFillMsg) {
	if !m.inv.OnFill(fill) {
		m.logger.Debug("duplicate fill dropped", "order_id", fill.OrderID, "index", fill.FillIndex)
		return
	}

	for side, live := range m.live {
		if live.OrderID != fill.OrderID {
			continue
		}
		live.RemainingSize -= fill.Size
		if live.RemainingSize <= 0 {
			delete(m.live, side)
		}
	}

	if m.tox != nil {
		m.tox.RecordFill(m.info.Ticker, fill.Side, fill.Price, time.Unix(fill.TS, 0))
	}

	pos := m.inv.Snapshot()
	if m.onSave != nil {
		m.onSave(pos)
	}

	m.logger.Info("fill",
		"side", fill.Side, "price", fill.Price, "size", fill.Size,
		"inventory", pos.Contracts, "realized_pnl", pos.RealizedPnL)
}

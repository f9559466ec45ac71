// Package engine is the central orchestrator of the market-making bot.
//
// It wires together all subsystems:
//
//  1. Scanner discovers markets carrying an active liquidity-incentive
//     program and feeds candidates through a bounded queue.
//  2. Engine admits candidates up to the concurrency cap. Each admitted
//     market gets a slot: a Book (order book mirror), an Inventory, and a
//     Maker (the quoting state machine).
//  3. Two WebSocket feeds (orderbook + fills) dispatch events to the correct
//     slot. A sequence gap on a book triggers a snapshot re-request.
//  4. A single scheduler goroutine ticks every maker on a fixed period; it is
//     the only mutator of strategy state apart from the reactive ask path.
//  5. A latching circuit breaker halts all quoting on persistent API errors,
//     PnL drawdown, or inventory imbalance.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"kalshi-lip-mm/internal/config"
	"kalshi-lip-mm/internal/exchange"
	"kalshi-lip-mm/internal/market"
	"kalshi-lip-mm/internal/risk"
	"kalshi-lip-mm/internal/store"
	"kalshi-lip-mm/internal/strategy"
	"kalshi-lip-mm/internal/vol"
	"kalshi-lip-mm/pkg/types"
)

const (
	sweepInterval   = time.Minute // PnL / imbalance breaker sweep cadence
	shutdownTimeout = 5 * time.Second
)

// marketSlot is one tracked market: its book mirror and quoting state machine.
type marketSlot struct {
	info  types.MarketInfo
	book  *market.Book
	maker *strategy.Maker
}

// Engine orchestrates all components of the market-making system.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	bookFeed *exchange.WSFeed
	fillFeed *exchange.WSFeed
	scanner  *market.Scanner
	scorer   *risk.Scorer
	breaker  *risk.Breaker
	vols     *vol.Engine
	policy   *strategy.Policy
	tox      *strategy.Tracker
	store    *store.Store
	logger   *slog.Logger

	// slots maps ticker → tracked market. Protected by slotsMu; the
	// scheduler writes, dispatchers read.
	slots   map[string]*marketSlot
	slotsMu sync.RWMutex

	haltLogged bool // breaker halt is logged once per trip, not per tick

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	client := exchange.NewClient(cfg, logger)
	vols := vol.NewEngine(client, cfg.LIP.VolRefreshInterval, logger)
	scorer := risk.NewScorer(cfg.LIP, vols)
	breaker := risk.NewBreaker(cfg.Circuit, st, logger)
	tox := strategy.NewTracker(
		cfg.Discovery.MarkoutHorizon,
		cfg.Discovery.MarkoutAlpha,
		cfg.Discovery.MarkoutBadThreshold,
	)

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		client:   client,
		bookFeed: exchange.NewOrderbookFeed(cfg.Exchange.WSOrderbookURL, logger),
		fillFeed: exchange.NewFillFeed(cfg.Exchange.WSFillsURL, cfg.Exchange.APIKeyID, logger),
		scorer:   scorer,
		breaker:  breaker,
		vols:     vols,
		policy:   strategy.NewPolicy(cfg.Trading, cfg.LIP),
		tox:      tox,
		store:    st,
		logger:   logger.With("component", "engine"),
		slots:    make(map[string]*marketSlot),
		ctx:      ctx,
		cancel:   cancel,
	}

	e.scanner = market.NewScanner(client, cfg.Discovery, e.isTracked, e.riskGate, tox, logger)
	return e, nil
}

// Start launches all background goroutines: WS feeds, scanner, event
// dispatchers, and the scheduler.
func (e *Engine) Start() error {
	if e.breaker.Tripped() {
		e.logger.Warn("starting with breaker tripped, no orders until reset",
			"reason", e.breaker.Reason())
	}

	if backlog := e.positionBacklog(); len(backlog) > 0 {
		e.logger.Warn("persisted positions for untracked markets", "markets", backlog)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.bookFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("orderbook feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.fillFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("fill feed error", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.scanner.Run(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchBookEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchFillEvents()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.schedule()
	}()

	return nil
}

// Stop gracefully shuts down: cancels all goroutines, pulls every resting
// order as a safety net, persists positions, and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()

	cancelCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	e.slotsMu.RLock()
	for ticker, slot := range e.slots {
		slot.maker.CancelAll(cancelCtx)
		pos := slot.maker.Inventory().Snapshot()
		if err := e.store.SavePosition(ticker, pos); err != nil {
			e.logger.Error("save position on shutdown", "market", ticker, "error", err)
		}
	}
	e.slotsMu.RUnlock()

	e.wg.Wait()

	e.bookFeed.Close()
	e.fillFeed.Close()
	e.store.Close()

	e.logger.Info("shutdown complete")
}

// Breaker exposes the circuit breaker for operator tooling (reset).
func (e *Engine) Breaker() *risk.Breaker { return e.breaker }

// schedule is the main loop: one pass over every tracked market per period.
// The scheduler is the only goroutine that mutates maker state machines, so
// strategy logic never races with itself.
func (e *Engine) schedule() {
	tick := time.NewTicker(e.cfg.Trading.Dt)
	defer tick.Stop()

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-tick.C:
			e.runTick(now)
		case <-sweep.C:
			e.sweepBreaker()
		}
	}
}

func (e *Engine) runTick(now time.Time) {
	if e.breaker.Tripped() {
		e.haltQuoting()
		return
	}
	e.haltLogged = false

	e.admitCandidates()

	// Interval-gated internally; run off the scheduler so a slow candle
	// fetch cannot stall the tick.
	tickers := e.trackedTickers()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.vols.Refresh(e.ctx, tickers)
	}()

	e.slotsMu.RLock()
	makers := make([]*strategy.Maker, 0, len(e.slots))
	for _, slot := range e.slots {
		makers = append(makers, slot.maker)
	}
	e.slotsMu.RUnlock()

	for _, m := range makers {
		m.Tick(e.ctx, now)
	}

	e.reapClosed()
}

// haltQuoting pulls every resting order while the breaker is open. Makers
// hold no orders after the first pass, so repeat calls are no-ops.
func (e *Engine) haltQuoting() {
	if !e.haltLogged {
		e.logger.Error("breaker open, quoting halted", "reason", e.breaker.Reason())
		e.haltLogged = true
	}

	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()
	for _, slot := range e.slots {
		slot.maker.CancelAll(e.ctx)
	}
}

// admitCandidates drains the discovery queue into free slots.
func (e *Engine) admitCandidates() {
	for {
		e.slotsMu.RLock()
		free := e.cfg.Trading.MaxMarketsWithOrders - len(e.slots)
		e.slotsMu.RUnlock()
		if free <= 0 {
			return
		}

		select {
		case info := <-e.scanner.Candidates():
			e.admitMarket(info)
		default:
			return
		}
	}
}

// admitMarket builds a slot for a discovered market: bootstrap the book over
// REST, restore any persisted position, subscribe both feeds, and hand the
// market to a fresh maker.
func (e *Engine) admitMarket(info types.MarketInfo) {
	e.slotsMu.RLock()
	_, exists := e.slots[info.Ticker]
	e.slotsMu.RUnlock()
	if exists {
		return
	}

	if info.LIPTarget <= 0 {
		target, err := e.client.GetLIPTarget(e.ctx, info.Ticker)
		if err != nil {
			e.logger.Warn("incentive target unavailable, skipping", "market", info.Ticker, "error", err)
			return
		}
		info.LIPTarget = target
	}

	book := market.NewBook(info.Ticker)
	if resp, err := e.client.GetOrderbook(e.ctx, info.Ticker); err != nil {
		e.logger.Warn("bootstrap orderbook failed, waiting for stream", "market", info.Ticker, "error", err)
	} else {
		book.ApplyBootstrap(resp)
	}

	inv := strategy.NewInventory(info.Ticker)
	if pos, err := e.store.LoadPosition(info.Ticker); err != nil {
		e.logger.Error("load persisted position", "market", info.Ticker, "error", err)
	} else if pos != nil {
		inv.SetPosition(*pos)
		e.logger.Info("position restored", "market", info.Ticker, "contracts", pos.Contracts)
	}

	ticker := info.Ticker
	onSave := func(pos strategy.Position) {
		if err := e.store.SavePosition(ticker, pos); err != nil {
			e.logger.Error("save position", "market", ticker, "error", err)
		}
	}

	maker := strategy.NewMaker(
		e.cfg.Trading, info, book, inv,
		e.policy, e.scorer, e.client, e.breaker, e.tox, onSave,
		e.logger,
	)

	e.slotsMu.Lock()
	e.slots[info.Ticker] = &marketSlot{info: info, book: book, maker: maker}
	e.slotsMu.Unlock()

	if err := e.bookFeed.Subscribe([]string{info.Ticker}); err != nil {
		e.logger.Warn("orderbook subscribe deferred to reconnect", "market", info.Ticker, "error", err)
	}
	if err := e.fillFeed.Subscribe([]string{info.Ticker}); err != nil {
		e.logger.Warn("fill subscribe deferred to reconnect", "market", info.Ticker, "error", err)
	}

	e.logger.Info("market admitted",
		"market", info.Ticker,
		"lip_target", info.LIPTarget,
		"close_time", info.CloseTime,
	)
}

// reapClosed removes slots whose maker reached the terminal state: delete the
// persisted position, drop markout history, and unsubscribe the feeds.
func (e *Engine) reapClosed() {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()

	for ticker, slot := range e.slots {
		if slot.maker.State() != types.StateClosed {
			continue
		}

		if err := e.store.DeletePosition(ticker); err != nil {
			e.logger.Error("delete position", "market", ticker, "error", err)
		}
		e.tox.Forget(ticker)
		e.bookFeed.Unsubscribe([]string{ticker})
		e.fillFeed.Unsubscribe([]string{ticker})
		delete(e.slots, ticker)

		e.logger.Info("market untracked", "market", ticker)
	}
}

// sweepBreaker feeds portfolio-level health into the breaker: total marked
// PnL and net YES-equivalent inventory across every tracked market.
func (e *Engine) sweepBreaker() {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	var totalPnL float64
	var netInventory int
	for _, slot := range e.slots {
		totalPnL += slot.maker.TotalPnL()
		// Markets already flattening carry inventory the strategy is
		// actively shedding; tripping on it would only slow the exit.
		if slot.maker.State() != types.StateExiting {
			netInventory += slot.maker.Inventory().Net()
		}
	}

	e.breaker.CheckPnL(totalPnL)
	e.breaker.CheckImbalance(float64(netInventory), e.cfg.Trading.MaxPosition)

	e.logger.Debug("breaker sweep",
		"markets", len(e.slots),
		"total_pnl", totalPnL,
		"net_inventory", netInventory,
	)
}

// positionBacklog lists markets with persisted inventory that are not
// currently tracked. They carry exposure the bot cannot manage until
// discovery re-admits them, so Start surfaces them to the operator.
func (e *Engine) positionBacklog() []string {
	tickers, err := e.store.ListPositions()
	if err != nil {
		e.logger.Warn("list persisted positions", "error", err)
		return nil
	}

	var backlog []string
	for _, t := range tickers {
		if !e.isTracked(t) {
			backlog = append(backlog, t)
		}
	}
	return backlog
}

// isTracked is the scanner's duplicate filter.
func (e *Engine) isTracked(ticker string) bool {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()
	_, ok := e.slots[ticker]
	return ok
}

// riskGate is the scanner's admission filter: the same risk score the quote
// policy uses, applied before we spend a slot on the market.
func (e *Engine) riskGate(_ context.Context, m types.MarketInfo) (bool, string) {
	return e.scorer.Admit(m, time.Now())
}

func (e *Engine) trackedTickers() []string {
	e.slotsMu.RLock()
	defer e.slotsMu.RUnlock()

	tickers := make([]string, 0, len(e.slots))
	for t := range e.slots {
		tickers = append(tickers, t)
	}
	return tickers
}

// dispatchBookEvents routes orderbook stream messages to the owning slot's
// book, re-requests a snapshot on sequence gaps, and pokes the maker's
// reactive path after every applied update.
func (e *Engine) dispatchBookEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-e.bookFeed.BookEvents():
			e.applyBookMsg(msg)
		}
	}
}

func (e *Engine) applyBookMsg(msg types.WSBookMsg) {
	e.slotsMu.RLock()
	slot, ok := e.slots[msg.Ticker]
	e.slotsMu.RUnlock()
	if !ok {
		return
	}

	switch msg.Type {
	case "snapshot":
		slot.book.ApplySnapshot(msg.Side, msg.Levels, msg.Seq)
	case "delta":
		if err := slot.book.ApplyDelta(msg.Side, msg.Price, msg.Delta, msg.Seq); err != nil {
			if errors.Is(err, exchange.ErrStreamGap) {
				e.logger.Warn("book desynced, requesting snapshot", "market", msg.Ticker, "error", err)
				if reqErr := e.bookFeed.RequestSnapshot(msg.Ticker); reqErr != nil {
					e.logger.Error("snapshot request failed", "market", msg.Ticker, "error", reqErr)
				}
			} else {
				e.logger.Error("apply delta", "market", msg.Ticker, "error", err)
			}
			return
		}
	default:
		return
	}

	if !e.breaker.Tripped() {
		slot.maker.OnBookUpdate(e.ctx, time.Now())
	}
}

// dispatchFillEvents routes fill stream messages to the owning slot's maker.
// Fills are queued and applied on the next tick, keeping the scheduler the
// sole mutator of inventory.
func (e *Engine) dispatchFillEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case fill := <-e.fillFeed.FillEvents():
			e.slotsMu.RLock()
			slot, ok := e.slots[fill.Ticker]
			e.slotsMu.RUnlock()
			if !ok {
				e.logger.Debug("fill for untracked market", "market", fill.Ticker)
				continue
			}
			slot.maker.EnqueueFill(fill)
		}
	}
}

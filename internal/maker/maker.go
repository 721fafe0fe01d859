// Package maker runs the quoting loop: keep the stream session alive, read
// the mirrored market state, plan the ladder and converge the exchange book
// toward it, once per interval.
package maker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gtequant/market-maker/internal/config"
	"github.com/gtequant/market-maker/internal/exchange"
	"github.com/gtequant/market-maker/internal/journal"
	"github.com/gtequant/market-maker/internal/ladder"
	"github.com/gtequant/market-maker/internal/market"
	"github.com/gtequant/market-maker/internal/notifier"
	"github.com/gtequant/market-maker/internal/reconcile"
	"github.com/gtequant/market-maker/internal/store"
	"github.com/gtequant/market-maker/internal/stream"
)

// ErrSanityCheck marks a cycle skipped because the market state looked wrong.
var ErrSanityCheck = errors.New("maker: sanity check failed")

// Maker owns one symbol's quoting loop.
type Maker struct {
	cfg       config.Config
	store     *store.Store
	transport exchange.Transport
	journal   journal.Journaler
	notifier  notifier.Notifier

	session *stream.Session
	planner *ladder.Planner
	engine  *reconcile.Engine
	tick    float64
}

// New wires a maker; the session is established by Run.
func New(cfg config.Config, st *store.Store, transport exchange.Transport, jr journal.Journaler, nt notifier.Notifier) *Maker {
	return &Maker{cfg: cfg, store: st, transport: transport, journal: jr, notifier: nt}
}

// Run connects and loops until the context is canceled or the session fails
// in a way a reconnect cannot fix. Open orders are canceled on the way out so
// a dead maker never leaves stale quotes resting.
func (m *Maker) Run(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	defer m.shutdown()

	ticker := time.NewTicker(m.cfg.LoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Maker | Shutting down")
			return nil
		case <-ticker.C:
			if !m.session.IsOpen() {
				if err := m.restart(ctx); err != nil {
					return err
				}
				continue
			}
			err := m.cycle(ctx)
			if errors.Is(err, ErrSanityCheck) {
				m.notifier.SendWithRetry(fmt.Sprintf("Market maker stopping: %v", err))
				return err
			}
			if err != nil {
				log.Printf("Maker | Cycle skipped: %v", err)
			}
		}
	}
}

// connect builds a fresh session and, once the instrument snapshot is in,
// derives the tick size everything downstream prices against.
func (m *Maker) connect(ctx context.Context) error {
	m.session = stream.New(stream.Config{
		URL:            m.cfg.WSURL,
		Symbol:         m.cfg.Symbol,
		SettleCurrency: m.cfg.SettleCurrency,
		InstrumentType: m.cfg.InstrumentType,
		APIKey:         m.cfg.APIKey,
		APISecret:      m.cfg.APISecret,
	}, m.store)
	if err := m.session.Connect(ctx); err != nil {
		return err
	}

	row, err := market.FindInstrument(m.store, m.cfg.Symbol)
	if err != nil {
		m.session.Close()
		return err
	}
	tick := row.Float("tick_size")
	if tick <= 0 {
		m.session.Close()
		return fmt.Errorf("maker: instrument %s has no tick size", m.cfg.Symbol)
	}
	m.configure(tick)

	m.journal.LogEvent(ctx, journal.Event{
		Type:        "session",
		Description: "connected",
		Data:        map[string]any{"symbol": m.cfg.Symbol, "tick_size": tick},
	})
	return nil
}

// configure (re)builds the planner and engine for the given tick size.
func (m *Maker) configure(tick float64) {
	m.tick = tick
	m.planner = ladder.New(ladder.Config{
		Pairs:           m.cfg.OrderPairs,
		Interval:        m.cfg.Interval,
		MinSpread:       m.cfg.MinSpread,
		TickSize:        tick,
		MaintainSpreads: m.cfg.MaintainSpreads,
		RandomSize:      m.cfg.RandomOrderSize,
		MinSize:         m.cfg.MinOrderSize,
		MaxSize:         m.cfg.MaxOrderSize,
		StartSize:       m.cfg.OrderStartSize,
		StepSize:        m.cfg.OrderStepSize,
	})
	m.engine = reconcile.New(reconcile.Config{
		Asset:          m.cfg.SettleCurrency,
		Symbol:         m.cfg.Symbol,
		TickSize:       tick,
		MaxQtyPerPrice: m.cfg.MaxQtyPerPrice,
	}, m.transport)
}

// restart rebuilds the session after a drop. A rejected key is not retried.
func (m *Maker) restart(ctx context.Context) error {
	err := m.session.Err()
	if errors.Is(err, stream.ErrAuth) {
		m.notifier.SendWithRetry(fmt.Sprintf("Market maker stopping: %v", err))
		return err
	}
	log.Printf("Maker | Session lost (%v), reconnecting", err)
	m.journal.LogEvent(ctx, journal.Event{
		Type:        "session",
		Description: "reconnecting",
		Data:        map[string]any{"error": fmt.Sprint(err)},
	})
	if rerr := exchange.Retry(5, 2*time.Second, func() error { return m.connect(ctx) }); rerr != nil {
		m.notifier.SendWithRetry(fmt.Sprintf("Market maker stopping: reconnect failed: %v", rerr))
		return rerr
	}
	return nil
}

// cycle is one pass: verify the market, plan, sanity-check the plan against
// the ticker, report, converge.
func (m *Maker) cycle(ctx context.Context) error {
	ticker, err := m.marketTicker()
	if err != nil {
		return err
	}

	plan, err := m.planLadder(ticker)
	if err != nil {
		return err
	}

	// A ladder whose inner rungs cross the opposite side of the market means
	// the mirrored data is inconsistent; quoting against it would take
	// liquidity instead of making it.
	if plan.InnerBuy >= ticker.Sell || plan.InnerSell <= ticker.Buy {
		return fmt.Errorf("%w: inner buy %g / sell %g against market buy %g / sell %g",
			ErrSanityCheck, plan.InnerBuy, plan.InnerSell, ticker.Buy, ticker.Sell)
	}

	m.printStatus(ticker)
	return m.converge(ctx, plan)
}

// marketTicker validates the mirrored market and derives the current ticker.
func (m *Maker) marketTicker() (market.Ticker, error) {
	row, err := market.FindInstrument(m.store, m.cfg.Symbol)
	if err != nil {
		return market.Ticker{}, err
	}
	if m.store.Len(store.TableOrderBook) == 0 {
		return market.Ticker{}, market.ErrMarketEmpty
	}
	return market.TickerFromInstrument(row, m.tick)
}

// positionDelta is the net signed position: long qty minus short qty.
func (m *Maker) positionDelta() float64 {
	var long, short float64
	rows := m.store.Query(store.TablePosition, func(r store.Row) bool {
		return r.Str("symbol") == m.cfg.Symbol
	})
	for _, r := range rows {
		switch r.Str("side") {
		case ladder.SideBuy:
			long += r.Float("qty")
		case ladder.SideSell:
			short += r.Float("qty")
		}
	}
	return long - short
}

// restingExtremes scans our mirrored orders for the best price on each side.
func (m *Maker) restingExtremes() (highestBuy float64, hasBuy bool, lowestSell float64, hasSell bool) {
	rows := m.store.Query(store.TableOrder, func(r store.Row) bool {
		return r.Str("symbol") == m.cfg.Symbol
	})
	for _, r := range rows {
		price := r.Float("price")
		switch r.Str("side") {
		case ladder.SideBuy:
			if !hasBuy || price > highestBuy {
				highestBuy = price
				hasBuy = true
			}
		case ladder.SideSell:
			if !hasSell || price < lowestSell {
				lowestSell = price
				hasSell = true
			}
		}
	}
	return
}

func (m *Maker) printStatus(ticker market.Ticker) {
	fills := m.store.Query(store.TableExecution, func(r store.Row) bool {
		return r.Str("symbol") == m.cfg.Symbol
	})
	var traded float64
	for _, r := range fills {
		traded += r.Float("qty")
	}
	log.Printf("Maker | %s last %s buy %s sell %s | position %+.0f | resting %d | traded this run %.0f (%d fills)",
		m.cfg.Symbol,
		market.PriceString(ticker.Last, m.tick),
		market.PriceString(ticker.Buy, m.tick),
		market.PriceString(ticker.Sell, m.tick),
		m.positionDelta(),
		m.store.Len(store.TableOrder),
		traded, len(fills))
}

// planLadder gathers the planner inputs from the mirrored state and computes
// the desired ladder.
func (m *Maker) planLadder(ticker market.Ticker) (ladder.Plan, error) {
	highestBuy, hasBuy, lowestSell, hasSell := m.restingExtremes()
	in := ladder.Inputs{
		Ticker:        ticker,
		HighestBuy:    highestBuy,
		HasHighestBuy: hasBuy,
		LowestSell:    lowestSell,
		HasLowestSell: hasSell,
	}

	if m.cfg.CheckPositionLimits {
		delta := m.positionDelta()
		in.LongExceeded = delta >= m.cfg.MaxPosition
		in.ShortExceeded = delta <= m.cfg.MinPosition
		if in.LongExceeded {
			log.Printf("Maker | Long position %+.0f at limit %.0f, buys suspended", delta, m.cfg.MaxPosition)
		}
		if in.ShortExceeded {
			log.Printf("Maker | Short position %+.0f at limit %.0f, sells suspended", delta, m.cfg.MinPosition)
		}
	}

	return m.planner.Plan(in)
}

// converge diffs the desired ladder against the resting book and applies the
// create/cancel set.
func (m *Maker) converge(ctx context.Context, plan ladder.Plan) error {
	existing, err := m.transport.OpenOrders(ctx, m.cfg.SettleCurrency, m.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("maker: listing open orders: %w", err)
	}

	actions := m.engine.Diff(plan, existing)
	if actions.Empty() {
		return nil
	}
	m.journal.LogEvent(ctx, journal.Event{
		Type:        "order",
		Description: "reconcile",
		Data: map[string]any{
			"symbol":  m.cfg.Symbol,
			"creates": len(actions.Creates),
			"cancels": len(actions.Cancels),
		},
	})
	m.engine.Apply(ctx, actions)
	return nil
}

// shutdown cancels every resting order and closes the session. Runs on its
// own deadline because the loop context is already canceled by the time we
// get here.
func (m *Maker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orders, err := m.transport.OpenOrders(ctx, m.cfg.SettleCurrency, m.cfg.Symbol)
	if err != nil {
		log.Printf("Maker | Could not list orders for shutdown cancel: %v", err)
	} else if len(orders) > 0 {
		log.Printf("Maker | Canceling %d resting orders before exit", len(orders))
		m.engine.Apply(ctx, reconcile.Actions{Cancels: orders})
	}

	m.journal.LogEvent(ctx, journal.Event{Type: "session", Description: "stopped",
		Data: map[string]any{"symbol": m.cfg.Symbol}})
	if m.session != nil {
		m.session.Close()
	}
}

// Package reconcile converges the resting orders on the exchange toward the
// desired ladder. It only ever creates new orders or cancels existing ones;
// nothing is amended in place.
package reconcile

import (
	"context"
	"log"
	"time"

	"github.com/gtequant/market-maker/internal/exchange"
	"github.com/gtequant/market-maker/internal/ladder"
	"github.com/gtequant/market-maker/internal/market"
)

// Config tunes the engine.
type Config struct {
	Asset          string
	Symbol         string
	TickSize       float64
	MaxQtyPerPrice float64       // summed open quantity allowed at one price level
	Pacing         time.Duration // pause between sequential cancel calls (rate limits)
	CancelRetries  int           // attempts per cancel within one cycle
	CancelBackoff  time.Duration // fixed backoff between cancel attempts
}

// DefaultMaxQtyPerPrice caps the open quantity resting at a single price.
const DefaultMaxQtyPerPrice = 1000

// Actions is the computed diff: rungs to create and orders to cancel.
type Actions struct {
	Creates []ladder.Level
	Cancels []exchange.Order
}

// Empty reports a converged book.
func (a Actions) Empty() bool {
	return len(a.Creates) == 0 && len(a.Cancels) == 0
}

// Engine diffs and applies.
type Engine struct {
	cfg       Config
	transport exchange.Transport
}

// New returns an engine over the given transport.
func New(cfg Config, transport exchange.Transport) *Engine {
	if cfg.MaxQtyPerPrice <= 0 {
		cfg.MaxQtyPerPrice = DefaultMaxQtyPerPrice
	}
	if cfg.CancelRetries <= 0 {
		cfg.CancelRetries = 3
	}
	return &Engine{cfg: cfg, transport: transport}
}

// Diff computes the minimal create/cancel set between the desired plan and
// the current resting orders. Orders are grouped by exact decimal price
// string; both sides of the comparison are normalized through
// market.PriceString so equal prices can never split into two levels.
func (e *Engine) Diff(plan ladder.Plan, existing []exchange.Order) Actions {
	groups := make(map[string][]exchange.Order)
	for _, o := range existing {
		key := market.PriceString(o.PriceFloat(), e.cfg.TickSize)
		groups[key] = append(groups[key], o)
	}

	var actions Actions
	for _, lvl := range append(append([]ladder.Level{}, plan.Buys...), plan.Sells...) {
		key := market.PriceString(lvl.Price, e.cfg.TickSize)
		group, ok := groups[key]
		if !ok {
			actions.Creates = append(actions.Creates, lvl)
			continue
		}
		open := openQty(group)
		switch {
		case open >= lvl.Qty:
			// The level is already covered; stacking more orders here
			// would duplicate the rung every cycle.
		case open+lvl.Qty < e.cfg.MaxQtyPerPrice:
			actions.Creates = append(actions.Creates, lvl)
		}
	}

	for key, group := range groups {
		price := group[0].PriceFloat()
		if price < plan.Floor || price > plan.Ceiling {
			log.Printf("Reconcile | Price level %s outside band [%g, %g], canceling %d orders",
				key, plan.Floor, plan.Ceiling, len(group))
			actions.Cancels = append(actions.Cancels, group...)
			continue
		}
		if openQty(group) > e.cfg.MaxQtyPerPrice {
			log.Printf("Reconcile | Price level %s open qty %.0f exceeds cap %.0f, canceling %d orders",
				key, openQty(group), e.cfg.MaxQtyPerPrice, len(group))
			actions.Cancels = append(actions.Cancels, group...)
		}
	}
	return actions
}

// Apply issues the actions. A failed create is logged and dropped: the rung
// is still unmet, so the next cycle's diff re-proposes it. A failed cancel is
// retried with a fixed backoff because an uncanceled order keeps consuming
// margin.
func (e *Engine) Apply(ctx context.Context, actions Actions) {
	if len(actions.Creates) > 0 {
		log.Printf("Reconcile | Creating %d orders", len(actions.Creates))
	}
	for _, lvl := range actions.Creates {
		req := exchange.OrderRequest{
			Asset:     e.cfg.Asset,
			Symbol:    e.cfg.Symbol,
			Price:     lvl.Price,
			Qty:       lvl.Qty,
			Side:      lvl.Side,
			CloseFlag: 0,
			OrderType: 1,
		}
		id, err := e.transport.CreateOrder(ctx, req)
		if err != nil {
			log.Printf("Reconcile | Create %s %.0f @ %s failed (retrying next cycle): %v",
				sideName(lvl.Side), lvl.Qty, market.PriceString(lvl.Price, e.cfg.TickSize), err)
			continue
		}
		log.Printf("Reconcile | Created %s %.0f @ %s (order_id %s)",
			sideName(lvl.Side), lvl.Qty, market.PriceString(lvl.Price, e.cfg.TickSize), id)
	}

	if len(actions.Cancels) > 0 {
		log.Printf("Reconcile | Canceling %d orders", len(actions.Cancels))
	}
	for _, o := range actions.Cancels {
		e.cancelWithRetry(ctx, o)
		if e.cfg.Pacing > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.Pacing):
			}
		}
	}
}

func (e *Engine) cancelWithRetry(ctx context.Context, o exchange.Order) {
	for attempt := 1; attempt <= e.cfg.CancelRetries; attempt++ {
		err := e.transport.CancelOrder(ctx, e.cfg.Asset, o.Symbol, o.OrderID)
		if err == nil {
			log.Printf("Reconcile | Canceled %s %.0f @ %s (order_id %s)",
				sideName(o.Side), o.Qty, o.Price, o.OrderID)
			return
		}
		log.Printf("Reconcile | Cancel order %s attempt %d/%d failed: %v",
			o.OrderID, attempt, e.cfg.CancelRetries, err)
		if attempt == e.cfg.CancelRetries || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.CancelBackoff):
		}
	}
}

func openQty(group []exchange.Order) float64 {
	var sum float64
	for _, o := range group {
		sum += o.OpenQty()
	}
	return sum
}

func sideName(side string) string {
	if side == ladder.SideBuy {
		return "buy"
	}
	return "sell"
}

// Package ladder computes the desired quote ladder: a set of buy and sell
// rungs stepped away from the inside of the market. Planning is a pure
// function of its inputs; nothing here talks to the exchange.
package ladder

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/gtequant/market-maker/internal/market"
)

// Side encoding used by the exchange: buy=1, sell=0.
const (
	SideBuy  = "1"
	SideSell = "0"
)

// Config is the quoting policy.
type Config struct {
	Pairs           int     // rungs per side
	Interval        float64 // geometric step between rungs, e.g. 0.01
	MinSpread       float64 // minimum buy/sell anchor spread, e.g. 0.01
	TickSize        float64
	MaintainSpreads bool // anchor to our own best order instead of tightening past it

	// Rung sizing: either a random draw in [MinSize, MaxSize] or a linear
	// ramp StartSize + (i-1)*StepSize.
	RandomSize bool
	MinSize    float64
	MaxSize    float64
	StartSize  float64
	StepSize   float64
}

// Level is one rung of the ladder. Index is signed: -i is the i-th buy rung,
// +i the i-th sell rung.
type Level struct {
	Index int
	Side  string
	Price float64
	Qty   float64
}

// Inputs is the market/account snapshot a plan is computed from.
type Inputs struct {
	Ticker market.Ticker

	// Our own best resting prices, when we have any.
	HighestBuy    float64
	HasHighestBuy bool
	LowestSell    float64
	HasLowestSell bool

	// Directional position limits, pre-computed by the caller.
	LongExceeded  bool
	ShortExceeded bool
}

// Plan is the desired ladder. Rungs are ordered outside-in per side: a fill
// of an inner rung then only needs one new inner order next cycle instead of
// reworking the whole ladder. Floor and Ceiling bound the valid price band
// (the would-be rungs just beyond the configured pairs); resting orders
// outside it are stale.
type Plan struct {
	Buys  []Level
	Sells []Level

	InnerBuy  float64 // price of rung -1, for sanity checks
	InnerSell float64 // price of rung +1
	Floor     float64
	Ceiling   float64
}

// Planner computes ladders for a fixed policy.
type Planner struct {
	cfg Config
	rng *rand.Rand
}

var errBadConfig = errors.New("ladder: pairs and tick size must be positive")

// New returns a planner for the given policy.
func New(cfg Config) *Planner {
	return &Planner{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithRand returns a planner with a caller-supplied random source, for
// deterministic sizing in tests.
func NewWithRand(cfg Config, rng *rand.Rand) *Planner {
	return &Planner{cfg: cfg, rng: rng}
}

// Plan computes the desired ladder for the given snapshot.
func (p *Planner) Plan(in Inputs) (Plan, error) {
	if p.cfg.Pairs <= 0 || p.cfg.TickSize <= 0 {
		return Plan{}, errBadConfig
	}

	buy0, sell0 := p.anchors(in)

	plan := Plan{
		InnerBuy:  p.priceOffset(-1, buy0, sell0),
		InnerSell: p.priceOffset(1, buy0, sell0),
		Floor:     p.priceOffset(-(p.cfg.Pairs + 1), buy0, sell0),
		Ceiling:   p.priceOffset(p.cfg.Pairs+1, buy0, sell0),
	}

	// Outside-in: farthest rung first.
	for i := p.cfg.Pairs; i >= 1; i-- {
		if !in.LongExceeded {
			plan.Buys = append(plan.Buys, Level{
				Index: -i,
				Side:  SideBuy,
				Price: p.priceOffset(-i, buy0, sell0),
				Qty:   p.quantity(i),
			})
		}
		if !in.ShortExceeded {
			plan.Sells = append(plan.Sells, Level{
				Index: i,
				Side:  SideSell,
				Price: p.priceOffset(i, buy0, sell0),
				Qty:   p.quantity(i),
			})
		}
	}
	return plan, nil
}

// anchors returns the reference buy/sell prices: one tick inside the market,
// held at our own best order when maintaining spreads, then widened until the
// minimum spread holds.
func (p *Planner) anchors(in Inputs) (buy0, sell0 float64) {
	tick := p.cfg.TickSize
	buy0 = in.Ticker.Buy + tick
	sell0 = in.Ticker.Sell - tick

	// If the best price is already ours, quoting inside it would just
	// tighten our own spread every cycle.
	if p.cfg.MaintainSpreads {
		if in.HasHighestBuy && in.Ticker.Buy == in.HighestBuy {
			buy0 = in.Ticker.Buy
		}
		if in.HasLowestSell && in.Ticker.Sell == in.LowestSell {
			sell0 = in.Ticker.Sell
		}
	}

	if p.cfg.MinSpread > 0 {
		for buy0*(1+p.cfg.MinSpread) > sell0 {
			buy0 *= 1 - p.cfg.MinSpread/2
			sell0 *= 1 + p.cfg.MinSpread/2
		}
	}
	return buy0, sell0
}

// priceOffset returns the price for a signed rung index. The first rung sits
// on the anchor itself; beyond that prices step geometrically by Interval.
func (p *Planner) priceOffset(index int, buy0, sell0 float64) float64 {
	start := sell0
	adjusted := index - 1
	if index < 0 {
		start = buy0
		adjusted = index + 1
	}
	return market.ToNearest(start*math.Pow(1+p.cfg.Interval, float64(adjusted)), p.cfg.TickSize)
}

// quantity returns the size for the i-th rung (i >= 1).
func (p *Planner) quantity(i int) float64 {
	if p.cfg.RandomSize {
		span := int64(p.cfg.MaxSize - p.cfg.MinSize)
		if span <= 0 {
			return p.cfg.MinSize
		}
		return p.cfg.MinSize + float64(p.rng.Int63n(span+1))
	}
	return p.cfg.StartSize + float64(i-1)*p.cfg.StepSize
}

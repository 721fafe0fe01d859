// Package market derives quoting inputs from mirrored exchange state: the
// ticker off the instrument table, tick rounding, and the decimal price
// rendering that order reconciliation buckets on.
package market

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gtequant/market-maker/internal/store"
)

// ErrMarketEmpty is returned when the instrument carries no last price, so
// there is nothing to quote around.
var ErrMarketEmpty = errors.New("market: orderbook is empty, cannot quote")

// Ticker is the inside of the market as the planner sees it.
type Ticker struct {
	Last float64
	Buy  float64
	Sell float64
	Mid  float64
}

// ToNearest rounds v to the nearest multiple of tick.
func ToNearest(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Round(v/tick) * tick
}

// TickDecimals returns the number of decimal places implied by the tick size
// (0.5 -> 1, 0.01 -> 2, 1 -> 0).
func TickDecimals(tick float64) int {
	s := strconv.FormatFloat(tick, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}

// PriceString renders a tick-rounded price with exactly the tick's decimal
// count. Reconciliation groups orders by this string, so every price must go
// through here: "100.5" and "100.50" must never become two buckets.
func PriceString(price, tick float64) string {
	return strconv.FormatFloat(ToNearest(price, tick), 'f', TickDecimals(tick), 64)
}

// TickerFromInstrument builds a ticker from an instrument row. Live
// bid_price/ask_price fields are used when the exchange sends them; otherwise
// a small synthetic spread around the last price stands in, since this feed
// has no consolidated book. All values are tick-rounded.
func TickerFromInstrument(row store.Row, tick float64) (Ticker, error) {
	if !row.Has("last_price") || row.Str("last_price") == "" {
		return Ticker{}, ErrMarketEmpty
	}
	last := row.Float("last_price")
	if last <= 0 {
		return Ticker{}, ErrMarketEmpty
	}

	bid := row.Float("bid_price")
	ask := row.Float("ask_price")
	if bid <= 0 {
		bid = last - 10*tick
	}
	if ask <= 0 {
		ask = last + 5*tick
	}

	t := Ticker{
		Last: ToNearest(last, tick),
		Buy:  ToNearest(bid, tick),
		Sell: ToNearest(ask, tick),
		Mid:  ToNearest((bid+ask)/2, tick),
	}
	return t, nil
}

// FindInstrument returns the instrument row for a symbol.
func FindInstrument(s *store.Store, symbol string) (store.Row, error) {
	rows := s.Query(store.TableInstrument, func(r store.Row) bool {
		return r.Str("symbol") == symbol
	})
	if len(rows) == 0 {
		return nil, fmt.Errorf("market: no instrument with symbol %s", symbol)
	}
	return rows[0], nil
}

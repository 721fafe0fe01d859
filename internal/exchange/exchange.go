// Package exchange is the signed REST order transport. The stream keeps the
// local mirror fresh; this package is how orders actually reach the exchange,
// and how the reconciler reads resting orders fresh after a restart.
package exchange

import (
	"context"
	"strconv"
)

// Order is a resting order as reported by the exchange. Price stays a decimal
// string: reconciliation buckets by exact string, never by float comparison.
type Order struct {
	OrderID   string
	Symbol    string
	Side      string // "1" buy, "0" sell
	Price     string
	Qty       float64
	FilledQty float64
}

// PriceFloat parses the decimal price for band comparisons.
func (o Order) PriceFloat() float64 {
	f, _ := strconv.ParseFloat(o.Price, 64)
	return f
}

// OpenQty is the unfilled remainder.
func (o Order) OpenQty() float64 {
	return o.Qty - o.FilledQty
}

// OrderRequest is a new order to submit.
type OrderRequest struct {
	Asset     string  `json:"asset"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Side      string  `json:"side"`       // "1" buy, "0" sell
	CloseFlag int     `json:"close_flag"` // 0 opens a position
	OrderType int     `json:"order_type"` // 1 = limit
}

// Transport is the order capability consumed by the reconciliation engine.
type Transport interface {
	CreateOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, asset, symbol, orderID string) error
	OpenOrders(ctx context.Context, asset, symbol string) ([]Order, error)
}

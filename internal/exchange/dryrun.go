package exchange

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// DryRun is a Transport that prints what would be posted to the exchange
// without sending anything. Orders placed this way are not tracked: open
// orders always read back empty, matching a paper account.
type DryRun struct {
	seq atomic.Int64
}

// NewDryRun returns a no-send transport for paper runs.
func NewDryRun() *DryRun { return &DryRun{} }

func (d *DryRun) CreateOrder(_ context.Context, req OrderRequest) (string, error) {
	id := fmt.Sprintf("dry-%d", d.seq.Add(1))
	log.Printf("DryRun | Would create %s %s %.0f @ %g (order_id %s)", sideName(req.Side), req.Symbol, req.Qty, req.Price, id)
	return id, nil
}

func (d *DryRun) CancelOrder(_ context.Context, _, symbol, orderID string) error {
	log.Printf("DryRun | Would cancel %s order %s", symbol, orderID)
	return nil
}

func (d *DryRun) OpenOrders(context.Context, string, string) ([]Order, error) {
	return nil, nil
}

func sideName(side string) string {
	if side == "1" {
		return "buy"
	}
	return "sell"
}

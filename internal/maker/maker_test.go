package maker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtequant/market-maker/internal/config"
	"github.com/gtequant/market-maker/internal/exchange"
	"github.com/gtequant/market-maker/internal/journal"
	"github.com/gtequant/market-maker/internal/ladder"
	"github.com/gtequant/market-maker/internal/market"
	"github.com/gtequant/market-maker/internal/notifier"
	"github.com/gtequant/market-maker/internal/store"
)

type fakeTransport struct {
	mu       sync.Mutex
	created  []exchange.OrderRequest
	canceled []string
	open     []exchange.Order
	openErr  error
	nextID   int
}

func (f *fakeTransport) CreateOrder(_ context.Context, req exchange.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.nextID++
	return fmt.Sprint(f.nextID), nil
}

func (f *fakeTransport) CancelOrder(_ context.Context, _, _, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeTransport) OpenOrders(context.Context, string, string) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, f.openErr
}

func testConfig() config.Config {
	return config.Config{
		Symbol:         "BTC_USD",
		SettleCurrency: "BTC",
		InstrumentType: "pc",
		OrderPairs:     2,
		OrderStartSize: 100,
		OrderStepSize:  100,
		Interval:       0.01,
		MaxQtyPerPrice: 1000,
		MinPosition:    -500,
		MaxPosition:    500,
		LoopInterval:   time.Second,
	}
}

// newTestMaker builds a maker over a pre-synced store, skipping the session.
func newTestMaker(cfg config.Config, tr exchange.Transport) (*Maker, *store.Store) {
	st := store.New()
	m := New(cfg, st, tr, journal.NewMemory(), notifier.NewNoop())
	m.configure(0.5)
	return m, st
}

func seedMarket(st *store.Store) {
	st.ApplySnapshot(store.TableInstrument,
		[]string{"settle_currency", "instrument_type", "symbol"},
		[]store.Row{{
			"settle_currency": "BTC", "instrument_type": "pc", "symbol": "BTC_USD",
			"last_price": 100.0, "tick_size": 0.5, "bid_price": 100.0, "ask_price": 101.0,
		}})
	st.ApplySnapshot(store.TableOrderBook, []string{"id"},
		[]store.Row{{"id": "1", "side": "1", "price": "100.0", "qty": 5.0}})
	st.ApplySnapshot(store.TableOrder, []string{"order_id"}, nil)
	st.ApplySnapshot(store.TablePosition,
		[]string{"settle_currency", "instrument_type", "symbol", "side"}, nil)
}

func TestMarketTicker(t *testing.T) {
	t.Run("healthy market", func(t *testing.T) {
		m, st := newTestMaker(testConfig(), &fakeTransport{})
		seedMarket(st)
		ticker, err := m.marketTicker()
		require.NoError(t, err)
		assert.Equal(t, 100.0, ticker.Buy)
		assert.Equal(t, 101.0, ticker.Sell)
	})

	t.Run("no instrument", func(t *testing.T) {
		m, _ := newTestMaker(testConfig(), &fakeTransport{})
		_, err := m.marketTicker()
		assert.Error(t, err)
	})

	t.Run("empty orderbook", func(t *testing.T) {
		m, st := newTestMaker(testConfig(), &fakeTransport{})
		seedMarket(st)
		st.ApplyDelete(store.TableOrderBook, []store.Row{{"id": "1"}})
		_, err := m.marketTicker()
		assert.ErrorIs(t, err, market.ErrMarketEmpty)
	})
}

func TestCycle_InconsistentMarketIsFatal(t *testing.T) {
	// A crossed book makes the inner rungs cross the opposite side of the
	// market; that must surface as a sanity failure, not as quotes.
	tr := &fakeTransport{}
	m, st := newTestMaker(testConfig(), tr)
	seedMarket(st)
	st.ApplyUpdate(store.TableInstrument, []store.Row{{
		"settle_currency": "BTC", "instrument_type": "pc", "symbol": "BTC_USD",
		"bid_price": 101.0, "ask_price": 100.0,
	}})

	err := m.cycle(context.Background())
	assert.ErrorIs(t, err, ErrSanityCheck)
	assert.Empty(t, tr.created)
}

func TestPositionDelta(t *testing.T) {
	m, st := newTestMaker(testConfig(), &fakeTransport{})
	seedMarket(st)

	assert.Zero(t, m.positionDelta())

	st.ApplyInsert(store.TablePosition, []store.Row{
		{"settle_currency": "BTC", "instrument_type": "pc", "symbol": "BTC_USD", "side": "1", "qty": 300.0},
		{"settle_currency": "BTC", "instrument_type": "pc", "symbol": "BTC_USD", "side": "0", "qty": 120.0},
		{"settle_currency": "BTC", "instrument_type": "pc", "symbol": "ETH_USD", "side": "1", "qty": 999.0},
	})
	assert.Equal(t, 180.0, m.positionDelta(), "other symbols are ignored")
}

func TestRestingExtremes(t *testing.T) {
	m, st := newTestMaker(testConfig(), &fakeTransport{})
	seedMarket(st)

	_, hasBuy, _, hasSell := m.restingExtremes()
	assert.False(t, hasBuy)
	assert.False(t, hasSell)

	st.ApplyInsert(store.TableOrder, []store.Row{
		{"order_id": "1", "symbol": "BTC_USD", "side": "1", "price": "99.5", "qty": 100.0, "leaves_qty": 100.0},
		{"order_id": "2", "symbol": "BTC_USD", "side": "1", "price": "100.0", "qty": 100.0, "leaves_qty": 100.0},
		{"order_id": "3", "symbol": "BTC_USD", "side": "0", "price": "102.0", "qty": 100.0, "leaves_qty": 100.0},
		{"order_id": "4", "symbol": "BTC_USD", "side": "0", "price": "101.5", "qty": 100.0, "leaves_qty": 100.0},
	})
	highestBuy, hasBuy, lowestSell, hasSell := m.restingExtremes()
	require.True(t, hasBuy)
	require.True(t, hasSell)
	assert.Equal(t, 100.0, highestBuy)
	assert.Equal(t, 101.5, lowestSell)
}

func TestCycle_EmptyBookQuotesFullLadder(t *testing.T) {
	tr := &fakeTransport{}
	m, st := newTestMaker(testConfig(), tr)
	seedMarket(st)

	require.NoError(t, m.cycle(context.Background()))
	assert.Len(t, tr.created, 4, "two rungs per side")
	assert.Empty(t, tr.canceled)
}

func TestCycle_ConvergedIsNoOp(t *testing.T) {
	tr := &fakeTransport{}
	m, st := newTestMaker(testConfig(), tr)
	seedMarket(st)

	require.NoError(t, m.cycle(context.Background()))
	first := append([]exchange.OrderRequest{}, tr.created...)

	// Feed the created orders back as the resting book; the next cycle must
	// not touch anything.
	for i, req := range first {
		tr.open = append(tr.open, exchange.Order{
			OrderID: fmt.Sprint(i + 1),
			Symbol:  req.Symbol,
			Side:    req.Side,
			Price:   fmt.Sprintf("%g", req.Price),
			Qty:     req.Qty,
		})
	}
	require.NoError(t, m.cycle(context.Background()))
	assert.Len(t, tr.created, len(first), "no additional creates")
	assert.Empty(t, tr.canceled)
}

func TestCycle_LongLimitSuspendsBuys(t *testing.T) {
	cfg := testConfig()
	cfg.CheckPositionLimits = true
	tr := &fakeTransport{}
	m, st := newTestMaker(cfg, tr)
	seedMarket(st)
	st.ApplyInsert(store.TablePosition, []store.Row{
		{"settle_currency": "BTC", "instrument_type": "pc", "symbol": "BTC_USD", "side": "1", "qty": 600.0},
	})

	require.NoError(t, m.cycle(context.Background()))
	for _, req := range tr.created {
		assert.Equal(t, ladder.SideSell, req.Side, "only sells while long limit is breached")
	}
	assert.NotEmpty(t, tr.created)
}

func TestCycle_OpenOrdersFailureSkipsCycle(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("502")}
	m, st := newTestMaker(testConfig(), tr)
	seedMarket(st)

	assert.Error(t, m.cycle(context.Background()))
	assert.Empty(t, tr.created)
}

func TestShutdownCancelsRestingOrders(t *testing.T) {
	tr := &fakeTransport{open: []exchange.Order{
		{OrderID: "11", Symbol: "BTC_USD", Side: "1", Price: "99.5", Qty: 100},
		{OrderID: "12", Symbol: "BTC_USD", Side: "0", Price: "101.5", Qty: 100},
	}}
	m, st := newTestMaker(testConfig(), tr)
	seedMarket(st)

	m.shutdown()
	assert.ElementsMatch(t, []string{"11", "12"}, tr.canceled)
}

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gtequant/market-maker/internal/signer"
	"github.com/gtequant/market-maker/internal/store"
)

func testSession(st *store.Store) *Session {
	return New(Config{
		Symbol:         "BTC_USD",
		SettleCurrency: "BTC",
		InstrumentType: "pc",
		APIKey:         "test-key",
		APISecret:      "test-secret",
	}, st)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "awaiting-market-ready", AwaitingMarketReady.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "unknown", State(99).String())
}

func TestHandleFrame_StatusFrames(t *testing.T) {
	s := testSession(store.New())

	t.Run("400 is fatal with the server message", func(t *testing.T) {
		err := s.handleFrame([]byte(`{"status":400,"error":"invalid args"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid args")
	})

	t.Run("401 maps to ErrAuth", func(t *testing.T) {
		err := s.handleFrame([]byte(`{"status":401,"error":"bad key"}`))
		assert.ErrorIs(t, err, ErrAuth)
	})

	t.Run("other statuses are acknowledgements", func(t *testing.T) {
		assert.NoError(t, s.handleFrame([]byte(`{"status":200}`)))
	})
}

func TestHandleFrame_DataFrames(t *testing.T) {
	st := store.New()
	s := testSession(st)

	err := s.handleFrame([]byte(`{"table":"order","action":"partial","data":[
		{"order_id":"1","side":"1","price":"100.5","qty":10,"filled_qty":0,"leaves_qty":10}]}`))
	require.NoError(t, err)
	assert.True(t, st.Ready(store.TableOrder))
	assert.Equal(t, 1, st.Len(store.TableOrder))

	err = s.handleFrame([]byte(`{"table":"order","action":"insert","data":[
		{"order_id":"2","side":"0","price":"101.5","qty":10,"filled_qty":0,"leaves_qty":10}]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, st.Len(store.TableOrder))

	err = s.handleFrame([]byte(`{"table":"order","action":"update","data":[
		{"order_id":"2","leaves_qty":0,"cum_qty":10}]}`))
	require.NoError(t, err)
	assert.Equal(t, 1, st.Len(store.TableOrder), "exhausted order is removed")

	err = s.handleFrame([]byte(`{"table":"order","action":"delete","data":[{"order_id":"1"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 0, st.Len(store.TableOrder))
}

func TestHandleFrame_ProtocolErrors(t *testing.T) {
	s := testSession(store.New())

	t.Run("unknown action", func(t *testing.T) {
		err := s.handleFrame([]byte(`{"table":"order","action":"upsert","data":[]}`))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("neither status nor data", func(t *testing.T) {
		err := s.handleFrame([]byte(`{"hello":"world"}`))
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("undecodable", func(t *testing.T) {
		err := s.handleFrame([]byte(`not json`))
		assert.ErrorIs(t, err, ErrProtocol)
	})
}

// partialRows fabricates a plausible snapshot for each table the session
// subscribes to.
func partialRows(table string) []store.Row {
	base := store.Row{"settle_currency": "BTC", "instrument_type": "pc", "symbol": "BTC_USD"}
	switch table {
	case store.TableInstrument:
		row := store.Row{"last_price": 100.0, "tick_size": 0.5, "bid_price": 100.0, "ask_price": 101.0}
		for k, v := range base {
			row[k] = v
		}
		return []store.Row{row}
	case store.TableTrade:
		return []store.Row{}
	case store.TableOrderBook:
		return []store.Row{{"id": "1", "side": "1", "price": "100.0", "qty": 5.0}}
	case store.TableOrder, store.TableExecution:
		return []store.Row{}
	case store.TablePosition:
		row := store.Row{"side": "1", "qty": 0.0}
		for k, v := range base {
			row[k] = v
		}
		return []store.Row{row}
	}
	return nil
}

type serverCommand struct {
	Op   string            `json:"op"`
	Args map[string]string `json:"args"`
}

// fakeFeed answers sub commands with partial frames and records the auth
// command for inspection.
func fakeFeed(t *testing.T, authCh chan map[string]string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var cmd serverCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			switch cmd.Op {
			case "sub":
				frame := map[string]any{
					"table":  cmd.Args["table"],
					"action": "partial",
					"data":   partialRows(cmd.Args["table"]),
				}
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			case "auth_key_expires":
				select {
				case authCh <- cmd.Args:
				default:
				}
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnect_FullLifecycle(t *testing.T) {
	authCh := make(chan map[string]string, 1)
	srv := fakeFeed(t, authCh)
	defer srv.Close()

	st := store.New()
	s := testSession(st)
	s.cfg.URL = wsURL(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, Ready, s.State())
	assert.True(t, s.IsOpen())

	for _, table := range []string{
		store.TableInstrument, store.TableTrade, store.TableOrderBook,
		store.TableOrder, store.TableExecution, store.TablePosition,
	} {
		assert.True(t, st.Ready(table), "table %s should have its snapshot", table)
	}
	assert.Equal(t, 1, st.Len(store.TableInstrument))

	select {
	case args := <-authCh:
		assert.Equal(t, "test-key", args["api_key"])
		want := signer.SignMessage("test-secret", "GET/ws"+args["expires"])
		assert.Equal(t, want, args["signature"])
	default:
		t.Fatal("server never saw the auth command")
	}

	s.Close()
	assert.False(t, s.IsOpen())
	assert.Equal(t, Disconnected, s.State())
}

func TestConnect_AuthRejected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var cmd serverCommand
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			switch cmd.Op {
			case "sub":
				frame := map[string]any{
					"table":  cmd.Args["table"],
					"action": "partial",
					"data":   partialRows(cmd.Args["table"]),
				}
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			case "auth_key_expires":
				if err := conn.WriteJSON(map[string]any{"status": 401, "error": "bad key"}); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	st := store.New()
	s := testSession(st)
	s.cfg.URL = wsURL(srv)
	s.cfg.ReadyTimeout = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, s.Err(), ErrAuth)
	assert.False(t, s.IsOpen())
}

func TestConnect_ServerDisconnectClosesSession(t *testing.T) {
	authCh := make(chan map[string]string, 1)
	srv := fakeFeed(t, authCh)
	defer srv.Close()

	st := store.New()
	s := testSession(st)
	s.cfg.URL = wsURL(srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.True(t, s.IsOpen())

	srv.CloseClientConnections()
	assert.Eventually(t, func() bool { return !s.IsOpen() }, 5*time.Second, 10*time.Millisecond,
		"session should notice the dropped connection")
	assert.Error(t, s.Err())
}

func TestConnect_DialFailure(t *testing.T) {
	s := testSession(store.New())
	s.cfg.URL = "ws://127.0.0.1:1/ws"
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, Errored, s.State())
	assert.False(t, s.IsOpen())
}

// Package stream owns the realtime connection to the exchange: it connects,
// subscribes, authenticates, and pumps every data frame into the table store.
// A session is single-use; after any failure the owner tears it down and
// builds a new one, because a half-synced table mirror cannot be resumed.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gtequant/market-maker/internal/signer"
	"github.com/gtequant/market-maker/internal/store"
)

// ErrProtocol marks a malformed or unrecognized frame; fatal to the session.
var ErrProtocol = errors.New("stream: protocol error")

// ErrAuth marks rejected credentials. Retrying with the same key is
// pointless, so the operator must be told.
var ErrAuth = errors.New("stream: api key rejected")

// State is the session lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	SubscribingMarket
	AwaitingMarketReady
	Authenticating
	SubscribingAccount
	AwaitingAccountReady
	Ready
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case SubscribingMarket:
		return "subscribing-market"
	case AwaitingMarketReady:
		return "awaiting-market-ready"
	case Authenticating:
		return "authenticating"
	case SubscribingAccount:
		return "subscribing-account"
	case AwaitingAccountReady:
		return "awaiting-account-ready"
	case Ready:
		return "ready"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// Config for one session.
type Config struct {
	URL            string
	Symbol         string
	SettleCurrency string
	InstrumentType string
	APIKey         string
	APISecret      string

	ConnectTimeout time.Duration // handshake bound, default 5s
	ReadyTimeout   time.Duration // per-barrier snapshot wait, default 30s
}

func (c *Config) fill() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 30 * time.Second
	}
}

// Partials on this feed do not carry key lists, so the keys for each table
// are pinned here.
var tableKeys = map[string][]string{
	store.TableInstrument: {"settle_currency", "instrument_type", "symbol"},
	store.TableTrade:      {"settle_currency", "instrument_type", "symbol"},
	store.TableOrderBook:  {"id"},
	store.TableOrder:      {"order_id"},
	store.TableExecution:  {"exec_id"},
	store.TablePosition:   {"settle_currency", "instrument_type", "symbol", "side"},
	store.TableMargin:     {"settle_currency"},
}

// Session is one connection lifecycle.
type Session struct {
	cfg   Config
	store *store.Store

	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	err    error
	exited bool
	done   chan struct{}
}

// New returns an unconnected session writing into st.
func New(cfg Config, st *store.Store) *Session {
	cfg.fill()
	return &Session{cfg: cfg, store: st, state: Disconnected, done: make(chan struct{})}
}

// Connect runs the full startup sequence: dial, subscribe market tables, wait
// for their snapshots, authenticate, subscribe account tables, wait again.
// On return the session is Ready and the receive loop is running.
func (s *Session) Connect(ctx context.Context) error {
	s.store.Reset()

	s.setState(Connecting)
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return s.fail(fmt.Errorf("stream: dial %s: %w", s.cfg.URL, err))
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	go s.pingLoop(conn)

	s.setState(SubscribingMarket)
	for _, table := range []string{store.TableInstrument, store.TableTrade, store.TableOrderBook} {
		if err := s.subscribe(table); err != nil {
			return s.fail(err)
		}
	}

	s.setState(AwaitingMarketReady)
	if err := s.await(ctx, store.TableInstrument, store.TableOrderBook); err != nil {
		return s.fail(err)
	}

	s.setState(Authenticating)
	if err := s.authenticate(); err != nil {
		return s.fail(err)
	}

	s.setState(SubscribingAccount)
	for _, table := range []string{store.TableOrder, store.TableExecution, store.TablePosition} {
		if err := s.subscribe(table); err != nil {
			return s.fail(err)
		}
	}

	s.setState(AwaitingAccountReady)
	if err := s.await(ctx, store.TablePosition, store.TableOrder); err != nil {
		return s.fail(err)
	}

	s.setState(Ready)
	log.Printf("Stream | Session ready for %s|%s", s.cfg.SettleCurrency, s.cfg.Symbol)
	return nil
}

// IsOpen reports liveness; the control loop checks it every tick and restarts
// the whole session when it goes false.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.exited
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the session down.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	log.Printf("Stream | State %s -> %s", prev, st)
}

// fail records the first error, moves to Errored and tears the connection
// down.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return err
	}
	s.err = err
	s.state = Errored
	log.Printf("Stream | Session error: %v", err)
	s.teardownLocked()
	s.mu.Unlock()
	return err
}

func (s *Session) teardownLocked() {
	if s.exited {
		return
	}
	s.exited = true
	if s.conn != nil {
		s.conn.Close()
	}
	if s.state != Errored {
		s.state = Disconnected
	}
	close(s.done)
}

func (s *Session) await(ctx context.Context, tables ...string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.store.AwaitReady(ctx, tables...) }()
	select {
	case err := <-done:
		return err
	case <-s.done:
		return fmt.Errorf("stream: session closed while waiting for %v", tables)
	}
}

type command struct {
	Op   string `json:"op"`
	Args any    `json:"args"`
}

func (s *Session) send(cmd command) error {
	s.mu.Lock()
	conn := s.conn
	exited := s.exited
	s.mu.Unlock()
	if conn == nil || exited {
		return errors.New("stream: send on closed session")
	}
	return conn.WriteJSON(cmd)
}

func (s *Session) subscribe(table string) error {
	log.Printf("Stream | Subscribing %s for %s|%s", table, s.cfg.SettleCurrency, s.cfg.Symbol)
	return s.send(command{Op: "sub", Args: map[string]string{
		"instrument_type": s.cfg.InstrumentType,
		"table":           table,
		"settle_currency": s.cfg.SettleCurrency,
		"symbol":          s.cfg.Symbol,
	}})
}

func (s *Session) authenticate() error {
	expires := signer.Expires(signer.WSGrace)
	signature := signer.SignMessage(s.cfg.APISecret, "GET/ws"+strconv.FormatInt(expires, 10))
	return s.send(command{Op: "auth_key_expires", Args: map[string]string{
		"api_key":   s.cfg.APIKey,
		"expires":   strconv.FormatInt(expires, 10),
		"signature": signature,
	}})
}

const (
	readTimeout  = 30 * time.Second
	pingInterval = 10 * time.Second
)

func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("stream: read: %w", err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := s.handleFrame(msg); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(3*time.Second))
		}
	}
}

type frame struct {
	Status *int        `json:"status"`
	Error  string      `json:"error"`
	Table  string      `json:"table"`
	Action string      `json:"action"`
	Data   []store.Row `json:"data"`
}

// handleFrame classifies one server frame and dispatches it. Status frames
// report command outcomes; data frames mutate the mirror.
func (s *Session) handleFrame(msg []byte) error {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return fmt.Errorf("%w: undecodable frame: %v", ErrProtocol, err)
	}

	if f.Status != nil {
		switch *f.Status {
		case 400:
			return fmt.Errorf("stream: server reported error: %s", f.Error)
		case 401:
			return fmt.Errorf("%w: check credentials and restart", ErrAuth)
		default:
			return nil
		}
	}

	if f.Data == nil && f.Action == "" {
		return fmt.Errorf("%w: frame is neither status nor data: %s", ErrProtocol, msg)
	}

	switch f.Action {
	case "partial":
		log.Printf("Stream | %s: partial (%d rows)", f.Table, len(f.Data))
		s.store.ApplySnapshot(f.Table, tableKeys[f.Table], f.Data)
	case "insert":
		s.store.ApplyInsert(f.Table, f.Data)
	case "update":
		s.store.ApplyUpdate(f.Table, f.Data)
	case "delete":
		s.store.ApplyDelete(f.Table, f.Data)
	default:
		return fmt.Errorf("%w: unknown action %q for table %s", ErrProtocol, f.Action, f.Table)
	}
	return nil
}

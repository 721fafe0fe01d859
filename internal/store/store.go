// Package store maintains the local mirror of exchange-side tables fed by the
// realtime stream. The stream session is the only writer; everything else
// reads snapshots through Query. Tables are small (bounded by MaxTableLen or
// by realistic open-order counts), so key lookup is a linear scan.
package store

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// DefaultMaxTableLen caps table growth to bound memory usage.
const DefaultMaxTableLen = 200

// Tables the store knows about.
const (
	TableInstrument = "instrument"
	TableTrade      = "trade"
	TableOrderBook  = "order_book"
	TableOrder      = "order"
	TableExecution  = "execution"
	TablePosition   = "position"
	TableMargin     = "margin"
)

// Row is an open mapping from field name to scalar value. Unknown fields pass
// through untouched; consumers use the typed accessors for the fields they
// need.
type Row map[string]any

// Str returns the field rendered as a string, or "" when absent.
func (r Row) Str(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns the field as a float64, tolerating string and integer
// encodings. Missing or unparsable fields yield 0.
func (r Row) Float(field string) float64 {
	switch v := r[field].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

// Int returns the field as an int64, tolerating float and string encodings.
func (r Row) Int(field string) int64 {
	switch v := r[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}

// Has reports whether the field is present.
func (r Row) Has(field string) bool {
	_, ok := r[field]
	return ok
}

func (r Row) clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Store is the synced table mirror. All mutation happens on the stream
// session's receive loop; reads come from the control loop, so a single mutex
// with snapshot reads is enough.
type Store struct {
	mu     sync.Mutex
	maxLen int
	tables map[string][]Row
	keys   map[string][]string
	ready  map[string]chan struct{}
}

// New returns an empty store with the default table cap.
func New() *Store {
	return NewWithMaxLen(DefaultMaxTableLen)
}

// NewWithMaxLen returns an empty store capping each trimmable table at maxLen
// rows.
func NewWithMaxLen(maxLen int) *Store {
	return &Store{
		maxLen: maxLen,
		tables: make(map[string][]Row),
		keys:   make(map[string][]string),
		ready:  make(map[string]chan struct{}),
	}
}

// Reset drops all tables, keys and readiness. Called before a full
// resubscribe; partial-table memory is not safely resumable mid-stream.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string][]Row)
	s.keys = make(map[string][]string)
	s.ready = make(map[string]chan struct{})
}

// ApplySnapshot installs the key fields for a table (first snapshot wins) and
// appends the full image rows, marking the table ready.
func (s *Store) ApplySnapshot(table string, keyFields []string, rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[table]; !ok {
		s.keys[table] = keyFields
	}
	s.tables[table] = append(s.tables[table], rows...)
	ch := s.readyChLocked(table)
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// ApplyInsert appends rows. Capped tables are truncated by dropping the
// oldest half; order state is exempt because losing resting orders is unsafe.
func (s *Store) ApplyInsert(table string, rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], rows...)
	if table == TableOrder || table == TableOrderBook {
		return
	}
	if len(s.tables[table]) > s.maxLen {
		s.tables[table] = s.tables[table][s.maxLen/2:]
	}
}

// ApplyUpdate merges each partial row into the row matching it on the table's
// key fields. A missing target is benign (updates can race the snapshot). An
// order whose merged leaves_qty drops to zero or below is removed: it is
// fully filled or canceled.
func (s *Store) ApplyUpdate(table string, rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.keys[table]
	if !ok {
		return
	}
	for _, update := range rows {
		idx := s.findLocked(table, keys, update)
		if idx < 0 {
			log.Printf("Store | %s: update target not found, skipping: %v", table, update)
			continue
		}
		row := s.tables[table][idx]

		if table == TableOrder {
			logExecution(row, update)
		}

		for k, v := range update {
			row[k] = v
		}

		if table == TableOrder && row.Float("leaves_qty") <= 0 {
			s.tables[table] = append(s.tables[table][:idx], s.tables[table][idx+1:]...)
		}
	}
}

// ApplyDelete removes each row matching the partial on the key fields.
func (s *Store) ApplyDelete(table string, rows []Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.keys[table]
	if !ok {
		return
	}
	for _, del := range rows {
		if idx := s.findLocked(table, keys, del); idx >= 0 {
			s.tables[table] = append(s.tables[table][:idx], s.tables[table][idx+1:]...)
		}
	}
}

// Query returns copies of the rows for which pred returns true. A nil pred
// matches everything.
func (s *Store) Query(table string, pred func(Row) bool) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Row
	for _, row := range s.tables[table] {
		if pred == nil || pred(row) {
			out = append(out, row.clone())
		}
	}
	return out
}

// Rows returns copies of every row in the table.
func (s *Store) Rows(table string) []Row {
	return s.Query(table, nil)
}

// Len returns the current row count of a table.
func (s *Store) Len(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables[table])
}

// Ready reports whether the table has received at least one snapshot.
func (s *Store) Ready(table string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.readyChLocked(table):
		return true
	default:
		return false
	}
}

// AwaitReady blocks until every listed table has received a snapshot, or the
// context is done. Consumers use it as a barrier after subscribing.
func (s *Store) AwaitReady(ctx context.Context, tables ...string) error {
	for _, table := range tables {
		s.mu.Lock()
		ch := s.readyChLocked(table)
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("store: waiting for %s table: %w", table, ctx.Err())
		}
	}
	return nil
}

func (s *Store) readyChLocked(table string) chan struct{} {
	ch, ok := s.ready[table]
	if !ok {
		ch = make(chan struct{})
		s.ready[table] = ch
	}
	return ch
}

func (s *Store) findLocked(table string, keys []string, match Row) int {
	for i, row := range s.tables[table] {
		matched := true
		for _, key := range keys {
			if row.Str(key) != match.Str(key) {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}

// logExecution reports fills for observability only: a growing cum_qty on a
// non-canceled order means contracts traded. Store invariants never depend
// on it.
func logExecution(existing, update Row) {
	if !update.Has("cum_qty") {
		return
	}
	if update.Str("ord_status") == "Canceled" {
		return
	}
	executed := update.Float("cum_qty") - existing.Float("cum_qty")
	if executed > 0 {
		log.Printf("Store | Execution: %s %.0f contracts of %s at %s",
			sideName(existing.Str("side")), executed, existing.Str("symbol"), existing.Str("price"))
	}
}

func sideName(side string) string {
	if side == "1" {
		return "buy"
	}
	return "sell"
}

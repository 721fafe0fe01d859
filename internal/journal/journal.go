package journal

import (
	"context"
	"sync"
	"time"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time
	Type        string // e.g., "order", "fill", "session", "error"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
	Close() error
}

// Memory keeps events in process. Used when no database is configured and in
// tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// NewMemory returns an empty in-process journal.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) LogEvent(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) GetEvents(_ context.Context, eventType string, start, end time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || e.Time.After(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

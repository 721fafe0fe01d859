package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS mm_events (
	id          BIGSERIAL PRIMARY KEY,
	time        TIMESTAMPTZ NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL,
	data        JSONB
);
CREATE INDEX IF NOT EXISTS mm_events_type_time_idx ON mm_events (type, time);
`

// Postgres journals events into the mm_events table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the connection, verifies it and ensures the schema. The
// caller must import a Postgres driver, e.g. github.com/lib/pq.
func NewPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("journal: opening postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ensuring schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) LogEvent(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("journal: encoding event data: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO mm_events (time, type, description, data) VALUES ($1, $2, $3, $4)`,
		event.Time, event.Type, event.Description, data)
	if err != nil {
		return fmt.Errorf("journal: inserting event: %w", err)
	}
	return nil
}

func (p *Postgres) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT time, type, description, data FROM mm_events
		 WHERE ($1 = '' OR type = $1) AND time BETWEEN $2 AND $3
		 ORDER BY time`,
		eventType, start, end)
	if err != nil {
		return nil, fmt.Errorf("journal: querying events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("journal: scanning event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("journal: decoding event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error { return p.db.Close() }

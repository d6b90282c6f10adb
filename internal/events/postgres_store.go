package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists the event log in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, evt *Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO engine_events (id, type, invoice_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		evt.ID, string(evt.Type), evt.InvoiceID, data, evt.Timestamp,
	).Scan(&evt.Seq)
}

// Publish makes the store usable as a Bus sink.
func (p *PostgresStore) Publish(ctx context.Context, evt Event) error {
	return p.Append(ctx, &evt)
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT seq, id, type, invoice_id, data, created_at
		FROM engine_events
		WHERE seq > $1
		  AND ($2::TEXT = '' OR invoice_id = $2)
		  AND ($3::TEXT = '' OR type = $3)
		ORDER BY seq ASC
		LIMIT $4`,
		f.AfterSeq, f.InvoiceID, string(f.Type), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var (
			e    Event
			typ  string
			data []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &typ, &e.InvoiceID, &data, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Type = Type(typ)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", e.Seq, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

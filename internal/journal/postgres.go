package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_events (
	id         BIGSERIAL PRIMARY KEY,
	room       TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	session    TEXT        NOT NULL DEFAULT '',
	users      INTEGER     NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS room_events_room_idx ON room_events (room, created_at DESC);
`

// queueSize bounds events waiting for the database. Events beyond it are
// dropped with a warning rather than stalling the relay.
const queueSize = 1024

// Postgres writes events to a room_events table from a single background
// worker.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	events chan Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// OpenPostgres connects to databaseURL, creates the schema if needed and
// starts the writer.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create room_events schema: %w", err)
	}

	p := &Postgres{
		pool:   pool,
		logger: logger,
		events: make(chan Event, queueSize),
	}
	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Record queues event for insertion.
func (p *Postgres) Record(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- event:
	default:
		p.logger.Warn("journal queue full, dropping event", "room", event.Room, "kind", event.Kind)
	}
}

// History returns up to limit of the newest events for room, newest
// first.
func (p *Postgres) History(ctx context.Context, room string, limit int) ([]Event, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT room, kind, session, users, created_at FROM room_events
		 WHERE room = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		room, limit)
	if err != nil {
		return nil, fmt.Errorf("query room history: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var e Event
		var kind string
		if err := row.Scan(&e.Room, &kind, &e.Session, &e.Users, &e.At); err != nil {
			return Event{}, err
		}
		e.Kind = Kind(kind)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan room history: %w", err)
	}
	return events, nil
}

// Close drains queued events and closes the pool.
func (p *Postgres) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()

	p.wg.Wait()
	p.pool.Close()
}

func (p *Postgres) run() {
	defer p.wg.Done()
	for event := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := p.pool.Exec(ctx,
			`INSERT INTO room_events (room, kind, session, users, created_at) VALUES ($1, $2, $3, $4, $5)`,
			event.Room, string(event.Kind), event.Session, event.Users, event.At)
		cancel()
		if err != nil {
			p.logger.Error("journal insert failed", "room", event.Room, "kind", event.Kind, "error", err)
		}
	}
}

package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/VivifySoftIT/PoSync/modules/posync"
	"github.com/VivifySoftIT/PoSync/modules/session"
)

const (
	queueSize = 128

	schema = `
		CREATE TABLE IF NOT EXISTS scan_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			generation INTEGER NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '',
			identifier TEXT NOT NULL DEFAULT '',
			po_number TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			record TEXT,
			created_at REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_scan_events_session ON scan_events(session_id);
		CREATE INDEX IF NOT EXISTS idx_scan_events_identifier ON scan_events(identifier);
	`
)

// Entry is one journaled session event.
type Entry struct {
	ID         int64                       `json:"id"`
	Type       session.EventType           `json:"type"`
	SessionID  string                      `json:"session_id,omitempty"`
	Generation uint64                      `json:"generation"`
	Status     string                      `json:"status"`
	Source     session.Source              `json:"source,omitempty"`
	Payload    string                      `json:"payload,omitempty"`
	Identifier string                      `json:"identifier,omitempty"`
	PONumber   string                      `json:"po_number,omitempty"`
	Quantity   int                         `json:"quantity,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Record     *posync.PurchaseOrderRecord `json:"record,omitempty"`
	CreatedAt  time.Time                   `json:"created_at"`
}

// Stats contains journal statistics
type Stats struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
	Errors  uint64 `json:"errors"`
}

// Journal keeps a local history of scan sessions in SQLite.
//
// OnEvent queues events for a single writer goroutine; Record writes
// synchronously.
type Journal struct {
	db *sql.DB

	queue chan session.Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	pending atomic.Int64 // queued or being written
	written atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// Open opens (or creates) the journal database at path and starts the
// writer. path may be ":memory:".
func Open(path string) (*Journal, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open database: %w", err)
	}
	// Single writer; also keeps one shared in-memory database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	j := &Journal{
		db:    db,
		queue: make(chan session.Event, queueSize),
		done:  make(chan struct{}),
	}
	go j.run()

	slog.Info("journal: opened", "path", path)
	return j, nil
}

// OnEvent implements session.Observer.
func (j *Journal) OnEvent(ev session.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}

	j.pending.Add(1)
	select {
	case j.queue <- ev:
	default:
		j.pending.Add(-1)
		j.dropped.Add(1)
		slog.Warn("journal: queue full, dropping event", "type", string(ev.Type))
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for ev := range j.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := j.Record(ctx, ev); err != nil {
			slog.Error("journal: write failed", "type", string(ev.Type), "error", err)
		}
		cancel()
		j.pending.Add(-1)
	}
}

// Record writes ev immediately.
func (j *Journal) Record(ctx context.Context, ev session.Event) error {
	var record sql.NullString
	var poNumber string
	if ev.Record != nil {
		b, err := json.Marshal(ev.Record)
		if err != nil {
			j.errors.Add(1)
			return fmt.Errorf("journal: marshal record: %w", err)
		}
		record = sql.NullString{String: string(b), Valid: true}
		poNumber = ev.Record.PONumber
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO scan_events
			(type, session_id, generation, status, source, payload, identifier, po_number, quantity, error, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(ev.Type), ev.SessionID, int64(ev.Generation), ev.Status.String(), string(ev.Source),
		ev.Payload, ev.Identifier, poNumber, ev.Quantity, ev.Error, record, unixFromTime(ts))
	if err != nil {
		j.errors.Add(1)
		return fmt.Errorf("journal: insert event: %w", err)
	}

	j.written.Add(1)
	return nil
}

// History returns the most recent entries, newest first. limit <= 0 means 50.
func (j *Journal) History(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.query(ctx, `
		SELECT id, type, session_id, generation, status, source, payload, identifier, po_number, quantity, error, record, created_at
		FROM scan_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
}

// ForIdentifier returns every entry mentioning identifier, newest first.
func (j *Journal) ForIdentifier(ctx context.Context, identifier string) ([]Entry, error) {
	return j.query(ctx, `
		SELECT id, type, session_id, generation, status, source, payload, identifier, po_number, quantity, error, record, created_at
		FROM scan_events
		WHERE identifier = ?
		ORDER BY id DESC
	`, identifier)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var typ, source string
		var generation int64
		var record sql.NullString
		var createdAt float64
		if err := rows.Scan(&e.ID, &typ, &e.SessionID, &generation, &e.Status, &source,
			&e.Payload, &e.Identifier, &e.PONumber, &e.Quantity, &e.Error, &record, &createdAt); err != nil {
			return nil, fmt.Errorf("journal: scan event: %w", err)
		}
		e.Type = session.EventType(typ)
		e.Source = session.Source(source)
		e.Generation = uint64(generation)
		e.CreatedAt = timeFromUnix(createdAt)
		if record.Valid {
			var rec posync.PurchaseOrderRecord
			if err := json.Unmarshal([]byte(record.String), &rec); err == nil {
				e.Record = &rec
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Flush waits until every queued event is written or ctx ends.
func (j *Journal) Flush(ctx context.Context) error {
	for j.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

// Close drains the queue and closes the database. Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	slog.Info("journal: closed", "written", j.written.Load(), "dropped", j.dropped.Load())
	return j.db.Close()
}

// Stats returns journal statistics
func (j *Journal) Stats() Stats {
	return Stats{
		Written: j.written.Load(),
		Dropped: j.dropped.Load(),
		Errors:  j.errors.Load(),
	}
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Package journal records socket server events in SQLite for later
// inspection. It is an audit trail; sessions are never restored from it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds
const (
	KindConnection    = "connection"
	KindMessage       = "message"
	KindDisconnection = "disconnection"
	KindError         = "error"
)

// Event is one journal row
type Event struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Server    string    `json:"server"`
	SessionID string    `json:"sessionId,omitempty"`
	Framework string    `json:"framework,omitempty"`
	Command   string    `json:"command,omitempty"`
	Payload   string    `json:"payload,omitempty"` // raw JSON
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter narrows Recent queries. Zero fields match everything.
type Filter struct {
	Server    string
	SessionID string
	Kind      string
	Limit     int
}

// Journal wraps the SQLite database
type Journal struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	ids         *idGenerator
	WriteBuffer *WriteBuffer
}

var pragmas = []struct{ stmt, what string }{
	// WAL allows readers alongside the single writer
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func configure(conn *sql.DB, label string) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s on %s connection: %w", p.what, label, err)
		}
	}
	return nil
}

// Open opens the journal database at path and upgrades its schema.
// Writes are batched with the given flush interval (100ms if zero).
func Open(path string, flushInterval time.Duration) (*Journal, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := configure(conn, "read"); err != nil {
		conn.Close()
		return nil, err
	}

	// Single write connection, never pooled
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := configure(writeConn, "write"); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	if err := upgradeSchema(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to upgrade schema: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	j := &Journal{
		conn:      conn,
		writeConn: writeConn,
		ids:       newIDGenerator(0),
	}
	j.WriteBuffer = NewWriteBuffer(j, flushInterval)
	return j, nil
}

// Append queues e for the next flush and returns its ID, or 0 once the
// journal is closed. CreatedAt is taken from the ID when unset.
func (j *Journal) Append(e Event) int64 {
	e.ID = j.ids.next()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = idTime(e.ID)
	}
	if !j.WriteBuffer.Add(e) {
		return 0
	}
	return e.ID
}

// Flush writes all queued events now.
func (j *Journal) Flush() error {
	return j.WriteBuffer.Flush()
}

// Recent returns up to f.Limit events, newest first
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Event, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}

	query := `SELECT id, kind, server, session_id, framework, command, payload, error, created_at
		FROM Event WHERE 1=1`
	var args []any
	if f.Server != "" {
		query += " AND server = ?"
		args = append(args, f.Server)
	}
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, f.Limit)

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, f.Limit)
	for rows.Next() {
		var e Event
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Server, &e.SessionID, &e.Framework,
			&e.Command, &e.Payload, &e.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByKind returns the number of stored events per kind for a server,
// or for all servers when server is empty
func (j *Journal) CountByKind(ctx context.Context, server string) (map[string]int64, error) {
	query := "SELECT kind, COUNT(*) FROM Event"
	var args []any
	if server != "" {
		query += " WHERE server = ?"
		args = append(args, server)
	}
	query += " GROUP BY kind"

	rows, err := j.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}

// Prune deletes events older than cutoff and returns how many were removed
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.writeConn.ExecContext(ctx, "DELETE FROM Event WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// RunRetention deletes events older than maxAge now and then every
// interval until ctx is cancelled. Pending writes are flushed before each
// pass.
func (j *Journal) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		j.prune(ctx, maxAge)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *Journal) prune(ctx context.Context, maxAge time.Duration) {
	if err := j.Flush(); err != nil {
		log.Printf("Journal: flush before retention failed: %v", err)
	}
	count, err := j.Prune(ctx, time.Now().Add(-maxAge))
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Journal: error cleaning up expired events: %v", err)
		}
		return
	}
	if count > 0 {
		log.Printf("Journal: cleaned up %d expired event(s)", count)
	}
}

// Close flushes pending writes and closes the database
func (j *Journal) Close() error {
	j.WriteBuffer.Close()
	j.writeConn.Close()
	return j.conn.Close()
}

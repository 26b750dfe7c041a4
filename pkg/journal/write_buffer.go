package journal

import (
	"log"
	"sync"
	"time"
)

// DefaultMaxPending bounds the backlog kept while inserts fail
const DefaultMaxPending = 10000

// WriteBuffer batches event inserts so that a burst of connection traffic
// turns into one transaction per flush interval. The backlog never exceeds
// maxPending events; the oldest are dropped first.
type WriteBuffer struct {
	j             *Journal
	flushInterval time.Duration
	maxPending    int

	mu      sync.Mutex
	pending []Event
	closed  bool
	dropped uint64
	// unreported counts drops not yet logged by a flush
	unreported uint64

	// flushMu serializes flushes from the loop and from explicit Flush calls
	flushMu sync.Mutex

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWriteBuffer creates a write buffer and starts its flush loop
func NewWriteBuffer(j *Journal, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		j:             j,
		flushInterval: flushInterval,
		maxPending:    DefaultMaxPending,
		pending:       make([]Event, 0, 100),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Add queues an event. It reports false when the buffer is closed and the
// event was dropped.
func (wb *WriteBuffer) Add(e Event) bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.closed {
		wb.dropped++
		log.Printf("WriteBuffer: dropped %s event %d added after close", e.Kind, e.ID)
		return false
	}
	wb.pending = append(wb.pending, e)
	wb.trimLocked()
	return true
}

// trimLocked drops the oldest events beyond maxPending
func (wb *WriteBuffer) trimLocked() {
	over := len(wb.pending) - wb.maxPending
	if over <= 0 {
		return
	}
	wb.pending = append(make([]Event, 0, wb.maxPending), wb.pending[over:]...)
	wb.dropped += uint64(over)
	wb.unreported += uint64(over)
}

// Dropped returns how many events were discarded, either over the backlog
// bound or after Close
func (wb *WriteBuffer) Dropped() uint64 {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return wb.dropped
}

// Pending returns the number of queued events
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := wb.Flush(); err != nil {
				log.Printf("WriteBuffer: flush failed: %v", err)
			}
		case <-wb.shutdown:
			// Final flush on shutdown
			if err := wb.Flush(); err != nil {
				log.Printf("WriteBuffer: final flush failed: %v", err)
			}
			return
		}
	}
}

// Flush writes all queued events in a single transaction. On failure the
// events are put back at the front of the queue, subject to the backlog
// bound.
func (wb *WriteBuffer) Flush() error {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]Event, 0, cap(batch))
	if wb.unreported > 0 {
		log.Printf("WriteBuffer: backlog over %d events, dropped %d oldest", wb.maxPending, wb.unreported)
		wb.unreported = 0
	}
	wb.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := wb.insert(batch); err != nil {
		wb.mu.Lock()
		wb.pending = append(batch, wb.pending...)
		wb.trimLocked()
		wb.mu.Unlock()
		return err
	}

	// Only log slow flushes (those that exceed the flush interval)
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d events in %v", len(batch), elapsed)
	}
	return nil
}

func (wb *WriteBuffer) insert(batch []Event) error {
	tx, err := wb.j.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO Event
		(id, kind, server, session_id, framework, command, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.ID, e.Kind, e.Server, e.SessionID, e.Framework,
			e.Command, e.Payload, e.Error, e.CreatedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close shuts down the write buffer and flushes remaining writes. Later
// Adds are rejected.
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		wb.mu.Lock()
		wb.closed = true
		wb.mu.Unlock()
		close(wb.shutdown)
		wb.wg.Wait()
	})
}

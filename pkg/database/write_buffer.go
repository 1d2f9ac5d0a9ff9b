package database

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferCapacity bounds the number of queued ledger events between flushes
const DefaultBufferCapacity = 10000

type eventKind int

const (
	eventConnect eventKind = iota
	eventLogin
	eventDisconnect
)

type ledgerEvent struct {
	kind      eventKind
	sessionID uint64
	value     string // remote addr, identity or disconnect reason
	at        int64
}

// WriteBuffer queues connection lifecycle events and writes them in batches,
// so callers on the connection path never wait on SQLite.
// It satisfies server.ConnectionLedger.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration
	capacity      int

	mu      sync.Mutex
	pending []ledgerEvent
	closed  bool
	dropped atomic.Int64

	// rows maps live session IDs to their ledger row; touched only under flushMu
	flushMu sync.Mutex
	rows    map[uint64]int64

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewWriteBuffer starts a write buffer flushing every flushInterval.
// capacity <= 0 uses DefaultBufferCapacity.
func NewWriteBuffer(db *DB, flushInterval time.Duration, capacity int) *WriteBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		capacity:      capacity,
		pending:       make([]ledgerEvent, 0, 64),
		rows:          make(map[uint64]int64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// RecordConnect queues the start of a connection
func (wb *WriteBuffer) RecordConnect(sessionID uint64, remoteAddr string) {
	wb.enqueue(ledgerEvent{kind: eventConnect, sessionID: sessionID, value: remoteAddr, at: nowMillis()})
}

// RecordLogin queues a successful login
func (wb *WriteBuffer) RecordLogin(sessionID uint64, identity string) {
	wb.enqueue(ledgerEvent{kind: eventLogin, sessionID: sessionID, value: identity, at: nowMillis()})
}

// RecordDisconnect queues the end of a connection
func (wb *WriteBuffer) RecordDisconnect(sessionID uint64, reason string) {
	wb.enqueue(ledgerEvent{kind: eventDisconnect, sessionID: sessionID, value: reason, at: nowMillis()})
}

// Dropped returns how many events were discarded because the buffer was full or closed
func (wb *WriteBuffer) Dropped() int64 {
	return wb.dropped.Load()
}

func (wb *WriteBuffer) enqueue(ev ledgerEvent) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.closed || len(wb.pending) >= wb.capacity {
		wb.dropped.Add(1)
		return
	}
	wb.pending = append(wb.pending, ev)
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			wb.Flush()
			return
		}
	}
}

// Flush writes every queued event in a single transaction
func (wb *WriteBuffer) Flush() {
	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]ledgerEvent, 0, 64)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	start := time.Now()
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("Ledger flush: failed to begin transaction: %v", err)
		return
	}
	defer tx.Rollback()

	for _, ev := range batch {
		if err := wb.apply(tx, ev); err != nil {
			log.Printf("Ledger flush: session %d: %v", ev.sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("Ledger flush: commit failed: %v", err)
		return
	}

	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		log.Printf("Ledger flush of %d events took %v", len(batch), elapsed)
	}
}

func (wb *WriteBuffer) apply(e execer, ev ledgerEvent) error {
	switch ev.kind {
	case eventConnect:
		id, err := wb.db.insertConnection(e, ev.sessionID, ev.value, ev.at)
		if err != nil {
			return err
		}
		wb.rows[ev.sessionID] = id
		return nil
	case eventLogin:
		id, ok := wb.rows[ev.sessionID]
		if !ok {
			return nil
		}
		return setIdentity(e, id, ev.value, ev.at)
	case eventDisconnect:
		id, ok := wb.rows[ev.sessionID]
		if !ok {
			return nil
		}
		delete(wb.rows, ev.sessionID)
		return markDisconnected(e, id, ev.value, ev.at)
	}
	return nil
}

// RowID returns the ledger row of a live session once its connect event is flushed
func (wb *WriteBuffer) RowID(sessionID uint64) (int64, bool) {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()
	id, ok := wb.rows[sessionID]
	return id, ok
}

// Close stops accepting events and flushes what is queued
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}

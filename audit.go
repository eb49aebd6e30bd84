package main

import (
	"log"
	"sync"
	"time"
)

const (
	auditBufSize    = 1024
	auditBatchSize  = 50
	auditFlushEvery = 5 * time.Second
)

// AuditEntry is one security-relevant event
type AuditEntry struct {
	Identity    Identity
	Description string
	Timestamp   time.Time
}

// AuditLog records security events with batched background writes, so
// request paths never wait on the database
type AuditLog struct {
	db      *DB
	entries chan AuditEntry
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAuditLog creates and starts the audit writer
func NewAuditLog(db *DB) *AuditLog {
	a := &AuditLog{
		db:      db,
		entries: make(chan AuditEntry, auditBufSize),
		stop:    make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writer()
	return a
}

// Record enqueues an entry for async persistence (non-blocking). A nil
// AuditLog only logs.
func (a *AuditLog) Record(identity Identity, description string) {
	if a == nil {
		log.Printf("audit: %s: %s", identity, description)
		return
	}
	select {
	case a.entries <- AuditEntry{Identity: identity, Description: description, Timestamp: time.Now().UTC()}:
	default:
		log.Printf("audit: buffer full, dropped entry for %s: %s", identity, description)
	}
}

// Close flushes pending entries and stops the writer
func (a *AuditLog) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		close(a.stop)
		a.wg.Wait()
	})
}

// Entries returns the stored entries for an identity, oldest first
func (a *AuditLog) Entries(identity Identity) ([]AuditEntry, error) {
	rows, err := a.db.conn.Query(
		"SELECT identity, description, created_at FROM audit_log WHERE identity = ? ORDER BY id",
		string(identity),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			at int64
		)
		if err := rows.Scan(&e.Identity, &e.Description, &at); err != nil {
			return nil, err
		}
		e.Timestamp = fromMicros(at)
		result = append(result, e)
	}
	return result, rows.Err()
}

// writer is the background goroutine that batches entries into the DB
func (a *AuditLog) writer() {
	defer a.wg.Done()

	batch := make([]AuditEntry, 0, 64)
	ticker := time.NewTicker(auditFlushEvery)
	defer ticker.Stop()

	for {
		select {
		case e := <-a.entries:
			batch = append(batch, e)
			if len(batch) >= auditBatchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			// Drain whatever is still queued
			for {
				select {
				case e := <-a.entries:
					batch = append(batch, e)
				default:
					a.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes a batch of entries in one transaction
func (a *AuditLog) flush(entries []AuditEntry) {
	if a.db == nil || len(entries) == 0 {
		return
	}
	tx, err := a.db.conn.Begin()
	if err != nil {
		log.Printf("audit: begin tx error: %v", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO audit_log (identity, description, created_at) VALUES (?, ?, ?)")
	if err != nil {
		log.Printf("audit: prepare error: %v", err)
		return
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(string(e.Identity), e.Description, micros(e.Timestamp)); err != nil {
			log.Printf("audit: insert error: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("audit: commit error: %v", err)
	}
}

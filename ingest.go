package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IngestBuffer stages incoming position and rotation updates. Submitting
// never touches canonical state; the Reconciler applies the buffered rows
// in batches so hot entities do not contend on their canonical record.
type IngestBuffer struct {
	db  *DB
	now func() time.Time

	// OnSubmit, when set, is called after every buffered update
	OnSubmit func()
}

// NewIngestBuffer creates an IngestBuffer
func NewIngestBuffer(db *DB) *IngestBuffer {
	return &IngestBuffer{db: db, now: time.Now}
}

// SubmitPosition buffers a position update for an entity. Returns the
// sequence number assigned to the update.
func (b *IngestBuffer) SubmitPosition(ctx context.Context, id EntityID, x, y, z int32) (uint64, error) {
	var seq uint64
	err := b.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireEntity(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO incoming_positions (entity_id, x, y, z, created_at) VALUES (?, ?, ?, ?, ?)",
			int64(id), int64(x), int64(y), int64(z), micros(b.now()),
		)
		if err != nil {
			return fmt.Errorf("buffer position %d: %w", id, err)
		}
		last, err := res.LastInsertId()
		seq = uint64(last)
		return err
	})
	if err == nil {
		b.submitted()
	}
	return seq, err
}

// SubmitRotation buffers a rotation update for an entity. Returns the
// sequence number assigned to the update.
func (b *IngestBuffer) SubmitRotation(ctx context.Context, id EntityID, rx, ry, rz int16) (uint64, error) {
	var seq uint64
	err := b.db.Tx(ctx, func(tx *sql.Tx) error {
		if err := requireEntity(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO incoming_rotations (entity_id, rx, ry, rz, created_at) VALUES (?, ?, ?, ?, ?)",
			int64(id), int64(rx), int64(ry), int64(rz), micros(b.now()),
		)
		if err != nil {
			return fmt.Errorf("buffer rotation %d: %w", id, err)
		}
		last, err := res.LastInsertId()
		seq = uint64(last)
		return err
	})
	if err == nil {
		b.submitted()
	}
	return seq, err
}

func (b *IngestBuffer) submitted() {
	if b.OnSubmit != nil {
		b.OnSubmit()
	}
}

// PendingPositions returns how many position updates are buffered for id
func (b *IngestBuffer) PendingPositions(ctx context.Context, id EntityID) (int, error) {
	return countRows(ctx, b.db.conn, "SELECT COUNT(*) FROM incoming_positions WHERE entity_id = ?", int64(id))
}

// PendingRotations returns how many rotation updates are buffered for id
func (b *IngestBuffer) PendingRotations(ctx context.Context, id EntityID) (int, error) {
	return countRows(ctx, b.db.conn, "SELECT COUNT(*) FROM incoming_rotations WHERE entity_id = ?", int64(id))
}

// Size returns the total number of buffered position and rotation updates
func (b *IngestBuffer) Size(ctx context.Context) (int, error) {
	return countRows(ctx, b.db.conn,
		"SELECT (SELECT COUNT(*) FROM incoming_positions) + (SELECT COUNT(*) FROM incoming_rotations)")
}

func requireEntity(ctx context.Context, q queryer, id EntityID) error {
	ok, err := entityExists(ctx, q, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entity %d: %w", id, ErrEntityNotFound)
	}
	return nil
}

func countRows(ctx context.Context, q queryer, query string, args ...any) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

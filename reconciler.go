package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"maps"
	"slices"
)

// TickStats summarizes one reconcile tick. It is only logged, never sent to
// clients.
type TickStats struct {
	Buffered  int // rows read from the buffer
	Entities  int // distinct entities referenced
	Updated   int // canonical rows written
	Unchanged int // winners equal to canonical state
	Failed    int // entities skipped because lookup or write failed
	Purged    int // buffered rows deleted
}

type incomingPosition struct {
	seq     uint64
	id      EntityID
	x, y, z int32
}

type incomingRotation struct {
	seq        uint64
	id         EntityID
	rx, ry, rz int16
}

// Reconciler drains the ingest buffer and applies the latest buffered value
// of each entity to its canonical record
type Reconciler struct {
	db     *DB
	feed   *Feed
	audit  *AuditLog
	server Identity
}

// NewReconciler creates a Reconciler. Only server may run its ticks.
func NewReconciler(db *DB, feed *Feed, audit *AuditLog, server Identity) *Reconciler {
	return &Reconciler{db: db, feed: feed, audit: audit, server: server}
}

// ProcessPositionUpdates runs one position tick
func (r *Reconciler) ProcessPositionUpdates(ctx context.Context, caller Identity) (TickStats, error) {
	if err := authorizeTick(r.audit, r.server, caller, "process_position_updates"); err != nil {
		return TickStats{}, err
	}

	var (
		stats TickStats
		cs    changeSet
	)
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		latest, n, err := latestIncomingPositions(ctx, tx)
		if err != nil {
			return err
		}
		stats.Buffered = n
		for _, id := range slices.Sorted(maps.Keys(latest)) {
			stats.Entities++
			changed, err := applyPosition(ctx, tx, &cs, latest[id])
			switch {
			case err != nil:
				log.Printf("reconcile: position for entity %d skipped: %v", id, err)
				stats.Failed++
			case changed:
				stats.Updated++
			default:
				stats.Unchanged++
			}
			stats.Purged += purgeIncoming(ctx, tx, "incoming_positions", id)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("process position updates: %w", err)
	}
	r.feed.Publish(cs...)
	if stats.Updated > 0 || stats.Failed > 0 {
		log.Printf("reconcile: positions %d updated, %d unchanged, %d failed, %d rows purged",
			stats.Updated, stats.Unchanged, stats.Failed, stats.Purged)
	}
	return stats, nil
}

// ProcessRotationUpdates runs one rotation tick
func (r *Reconciler) ProcessRotationUpdates(ctx context.Context, caller Identity) (TickStats, error) {
	if err := authorizeTick(r.audit, r.server, caller, "process_rotation_updates"); err != nil {
		return TickStats{}, err
	}

	var (
		stats TickStats
		cs    changeSet
	)
	err := r.db.Tx(ctx, func(tx *sql.Tx) error {
		latest, n, err := latestIncomingRotations(ctx, tx)
		if err != nil {
			return err
		}
		stats.Buffered = n
		for _, id := range slices.Sorted(maps.Keys(latest)) {
			stats.Entities++
			changed, err := applyRotation(ctx, tx, &cs, latest[id])
			switch {
			case err != nil:
				log.Printf("reconcile: rotation for entity %d skipped: %v", id, err)
				stats.Failed++
			case changed:
				stats.Updated++
			default:
				stats.Unchanged++
			}
			stats.Purged += purgeIncoming(ctx, tx, "incoming_rotations", id)
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("process rotation updates: %w", err)
	}
	r.feed.Publish(cs...)
	if stats.Updated > 0 || stats.Failed > 0 {
		log.Printf("reconcile: rotations %d updated, %d unchanged, %d failed, %d rows purged",
			stats.Updated, stats.Unchanged, stats.Failed, stats.Purged)
	}
	return stats, nil
}

// latestIncomingPositions keeps the highest-sequence row per entity.
// Sequence numbers reflect arrival order, so wall clocks never matter.
func latestIncomingPositions(ctx context.Context, tx *sql.Tx) (map[EntityID]incomingPosition, int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT seq, entity_id, x, y, z FROM incoming_positions")
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	latest := make(map[EntityID]incomingPosition)
	n := 0
	for rows.Next() {
		var u incomingPosition
		if err := rows.Scan(&u.seq, &u.id, &u.x, &u.y, &u.z); err != nil {
			return nil, 0, err
		}
		n++
		if cur, ok := latest[u.id]; !ok || u.seq > cur.seq {
			latest[u.id] = u
		}
	}
	return latest, n, rows.Err()
}

func latestIncomingRotations(ctx context.Context, tx *sql.Tx) (map[EntityID]incomingRotation, int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT seq, entity_id, rx, ry, rz FROM incoming_rotations")
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	latest := make(map[EntityID]incomingRotation)
	n := 0
	for rows.Next() {
		var u incomingRotation
		if err := rows.Scan(&u.seq, &u.id, &u.rx, &u.ry, &u.rz); err != nil {
			return nil, 0, err
		}
		n++
		if cur, ok := latest[u.id]; !ok || u.seq > cur.seq {
			latest[u.id] = u
		}
	}
	return latest, n, rows.Err()
}

func applyPosition(ctx context.Context, tx *sql.Tx, cs *changeSet, u incomingPosition) (bool, error) {
	cur, err := getPosition(ctx, tx, u.id)
	if err != nil {
		return false, err
	}
	if cur.X == u.x && cur.Y == u.y && cur.Z == u.z {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE entity_positions SET x = ?, y = ?, z = ? WHERE id = ?",
		int64(u.x), int64(u.y), int64(u.z), int64(u.id),
	); err != nil {
		return false, err
	}
	cs.add(TablePosition, OpUpdate, u.id.String(), Position{ID: u.id, X: u.x, Y: u.y, Z: u.z})
	return true, nil
}

func applyRotation(ctx context.Context, tx *sql.Tx, cs *changeSet, u incomingRotation) (bool, error) {
	cur, err := getRotation(ctx, tx, u.id)
	if err != nil {
		return false, err
	}
	if cur.RX == u.rx && cur.RY == u.ry && cur.RZ == u.rz {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE entity_rotations SET rx = ?, ry = ?, rz = ? WHERE id = ?",
		int64(u.rx), int64(u.ry), int64(u.rz), int64(u.id),
	); err != nil {
		return false, err
	}
	cs.add(TableRotation, OpUpdate, u.id.String(), Rotation{ID: u.id, RX: u.rx, RY: u.ry, RZ: u.rz})
	return true, nil
}

// purgeIncoming deletes every buffered row of an entity, whether or not
// its canonical record could be updated
func purgeIncoming(ctx context.Context, tx *sql.Tx, table string, id EntityID) int {
	res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE entity_id = ?", int64(id))
	if err != nil {
		log.Printf("reconcile: purge %s for entity %d: %v", table, id, err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// authorizeTick rejects tick invocations that did not come from the
// scheduler
func authorizeTick(audit *AuditLog, server, caller Identity, op string) error {
	if caller == server {
		return nil
	}
	log.Printf("SECURITY: %s invoked by %s", op, caller)
	audit.Record(caller, fmt.Sprintf("rejected call to %s: not the scheduler", op))
	return fmt.Errorf("%s: %w", op, ErrUnauthorized)
}

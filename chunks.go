package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// ChunkStats summarizes one chunk tick
type ChunkStats struct {
	Scanned int
	Updated int
	Created int
}

// ChunkIndexer keeps each online entity's chunk row in step with its
// canonical position and answers proximity queries over chunk rows
type ChunkIndexer struct {
	db       *DB
	feed     *Feed
	audit    *AuditLog
	server   Identity
	cellSize int32
	now      func() time.Time
}

// NewChunkIndexer creates a ChunkIndexer for the given cell size
func NewChunkIndexer(db *DB, feed *Feed, audit *AuditLog, server Identity, cellSize int32) *ChunkIndexer {
	if cellSize <= 0 {
		cellSize = DefaultCellSize
	}
	return &ChunkIndexer{db: db, feed: feed, audit: audit, server: server, cellSize: cellSize, now: time.Now}
}

// CellSize returns the world units per chunk edge
func (ci *ChunkIndexer) CellSize() int32 { return ci.cellSize }

type chunkCandidate struct {
	id       EntityID
	x, z     int32
	hasChunk bool
	cx, cz   uint32
}

// RecomputeChunks runs one chunk tick over every entity owned by an online
// account. A row is only written when the computed chunk differs.
func (ci *ChunkIndexer) RecomputeChunks(ctx context.Context, caller Identity) (ChunkStats, error) {
	if err := authorizeTick(ci.audit, ci.server, caller, "calculate_current_chunks"); err != nil {
		return ChunkStats{}, err
	}

	var (
		stats ChunkStats
		cs    changeSet
	)
	now := ci.now()
	err := ci.db.Tx(ctx, func(tx *sql.Tx) error {
		candidates, err := onlineChunkCandidates(ctx, tx)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			stats.Scanned++
			cx, cz := ChunkFor(Position{X: c.x, Z: c.z}, ci.cellSize)
			if c.hasChunk && c.cx == cx && c.cz == cz {
				continue
			}
			chunk := Chunk{ID: c.id, ChunkX: cx, ChunkZ: cz, ModifiedAt: fromMicros(micros(now))}
			if c.hasChunk {
				_, err = tx.ExecContext(ctx,
					"UPDATE entity_chunks SET chunk_x = ?, chunk_z = ?, modified_at = ? WHERE id = ?",
					int64(cx), int64(cz), micros(now), int64(c.id),
				)
			} else {
				_, err = tx.ExecContext(ctx,
					"INSERT INTO entity_chunks (id, chunk_x, chunk_z, modified_at) VALUES (?, ?, ?, ?)",
					int64(c.id), int64(cx), int64(cz), micros(now),
				)
			}
			if err != nil {
				log.Printf("chunks: entity %d skipped: %v", c.id, err)
				continue
			}
			if c.hasChunk {
				stats.Updated++
				cs.add(TableChunk, OpUpdate, c.id.String(), chunk)
			} else {
				stats.Created++
				cs.add(TableChunk, OpInsert, c.id.String(), chunk)
			}
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("calculate current chunks: %w", err)
	}
	ci.feed.Publish(cs...)
	if stats.Updated > 0 || stats.Created > 0 {
		log.Printf("chunks: %d scanned, %d moved, %d created", stats.Scanned, stats.Updated, stats.Created)
	}
	return stats, nil
}

func onlineChunkCandidates(ctx context.Context, tx *sql.Tx) ([]chunkCandidate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT e.id, p.x, p.z, c.chunk_x, c.chunk_z
		FROM presence pr
		JOIN entities e ON e.owner_id = pr.account_id
		JOIN entity_positions p ON p.id = e.id
		LEFT JOIN entity_chunks c ON c.id = e.id
		WHERE pr.state = ? AND pr.account_id IS NOT NULL
		ORDER BY e.id`,
		int64(StateOnline),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []chunkCandidate
	for rows.Next() {
		var (
			c      chunkCandidate
			cx, cz sql.NullInt64
		)
		if err := rows.Scan(&c.id, &c.x, &c.z, &cx, &cz); err != nil {
			return nil, err
		}
		if cx.Valid && cz.Valid {
			c.hasChunk = true
			c.cx, c.cz = uint32(cx.Int64), uint32(cz.Int64)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// NearbyChunks returns the chunk rows within radius chunks of the viewer's
// own chunk, on both axes. The viewer is the first entity owned by the
// identity's account. A viewer without account, entity or chunk row gets an
// empty result.
func (ci *ChunkIndexer) NearbyChunks(ctx context.Context, viewer Identity, radius uint32) ([]Chunk, error) {
	var entity int64
	err := ci.db.conn.QueryRowContext(ctx, `
		SELECT e.id FROM accounts a
		JOIN entities e ON e.owner_id = a.id
		WHERE a.identity = ?
		ORDER BY e.id LIMIT 1`,
		string(viewer),
	).Scan(&entity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ci.NearbyChunksOf(ctx, EntityID(entity), radius)
}

// NearbyChunksOf is NearbyChunks for a viewer entity
func (ci *ChunkIndexer) NearbyChunksOf(ctx context.Context, viewer EntityID, radius uint32) ([]Chunk, error) {
	own, err := getChunk(ctx, ci.db.conn, viewer)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	b := NearbyBounds(own.ChunkX, own.ChunkZ, radius)
	rows, err := ci.db.conn.QueryContext(ctx, `
		SELECT id, chunk_x, chunk_z, modified_at FROM entity_chunks
		WHERE chunk_x BETWEEN ? AND ? AND chunk_z BETWEEN ? AND ?
		ORDER BY id`,
		int64(b.MinX), int64(b.MaxX), int64(b.MinZ), int64(b.MaxZ),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Chunk
	for rows.Next() {
		var (
			c        Chunk
			modified int64
		)
		if err := rows.Scan(&c.ID, &c.ChunkX, &c.ChunkZ, &modified); err != nil {
			return nil, err
		}
		c.ModifiedAt = fromMicros(modified)
		result = append(result, c)
	}
	return result, rows.Err()
}

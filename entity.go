package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// EntityID identifies a world entity
type EntityID uint32

// AccountID identifies a player account. The zero value means "unowned".
type AccountID uint32

// Identity is the stable connection identity of a client
type Identity string

func (id EntityID) String() string  { return strconv.FormatUint(uint64(id), 10) }
func (id AccountID) String() string { return strconv.FormatUint(uint64(id), 10) }

// EntityKind says what sort of world object an entity is
type EntityKind uint8

const (
	KindPlayer    EntityKind = 0
	KindNonPlayer EntityKind = 1
	KindWorld     EntityKind = 2
)

func (k EntityKind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindNonPlayer:
		return "non_player"
	case KindWorld:
		return "world"
	}
	return "unknown"
}

// Entity is the canonical entity record
type Entity struct {
	ID      EntityID   `msgpack:"id" json:"id"`
	OwnerID AccountID  `msgpack:"o" json:"owner_id"`
	Kind    EntityKind `msgpack:"k" json:"kind"`
}

// Position is the canonical position of an entity
type Position struct {
	ID EntityID `msgpack:"id" json:"id"`
	X  int32    `msgpack:"x" json:"x"`
	Y  int32    `msgpack:"y" json:"y"`
	Z  int32    `msgpack:"z" json:"z"`
}

// Rotation is the canonical rotation of an entity
type Rotation struct {
	ID EntityID `msgpack:"id" json:"id"`
	RX int16    `msgpack:"rx" json:"rx"`
	RY int16    `msgpack:"ry" json:"ry"`
	RZ int16    `msgpack:"rz" json:"rz"`
}

// Chunk is the derived grid cell of an entity. Coordinates hold the
// two's-complement bits of the signed cell, see Cell.
type Chunk struct {
	ID         EntityID  `msgpack:"id" json:"id"`
	ChunkX     uint32    `msgpack:"cx" json:"chunk_x"`
	ChunkZ     uint32    `msgpack:"cz" json:"chunk_z"`
	ModifiedAt time.Time `msgpack:"m" json:"modified_at"`
}

// Cell returns the signed cell coordinates stored in the chunk
func (c Chunk) Cell() (int32, int32) {
	return int32(c.ChunkX), int32(c.ChunkZ)
}

// EntityTriad is an entity together with the rows created alongside it
type EntityTriad struct {
	Entity   Entity
	Position Position
	Rotation Rotation
	Chunk    Chunk
}

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// EntityStore owns the canonical entity records and their position,
// rotation and chunk rows
type EntityStore struct {
	db   *DB
	feed *Feed
	now  func() time.Time
}

// NewEntityStore creates an EntityStore
func NewEntityStore(db *DB, feed *Feed) *EntityStore {
	return &EntityStore{db: db, feed: feed, now: time.Now}
}

// CreateEntity creates an entity with its position, rotation and chunk rows
// in a single transaction. Either all four rows exist afterwards or none do.
func (s *EntityStore) CreateEntity(ctx context.Context, owner AccountID, kind EntityKind) (EntityTriad, error) {
	var (
		triad EntityTriad
		cs    changeSet
	)
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		triad, err = createEntityTx(ctx, tx, &cs, owner, kind, s.now())
		return err
	})
	if err != nil {
		return EntityTriad{}, err
	}
	s.feed.Publish(cs...)
	return triad, nil
}

func createEntityTx(ctx context.Context, tx *sql.Tx, cs *changeSet, owner AccountID, kind EntityKind, now time.Time) (EntityTriad, error) {
	res, err := tx.ExecContext(ctx,
		"INSERT INTO entities (owner_id, kind) VALUES (?, ?)",
		int64(owner), int64(kind),
	)
	if err != nil {
		return EntityTriad{}, fmt.Errorf("create entity: %w", err)
	}
	raw, err := res.LastInsertId()
	if err != nil {
		return EntityTriad{}, err
	}
	id := EntityID(raw)

	if _, err := tx.ExecContext(ctx, "INSERT INTO entity_positions (id, x, y, z) VALUES (?, 0, 0, 0)", raw); err != nil {
		return EntityTriad{}, fmt.Errorf("create position %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO entity_rotations (id, rx, ry, rz) VALUES (?, 0, 0, 0)", raw); err != nil {
		return EntityTriad{}, fmt.Errorf("create rotation %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO entity_chunks (id, chunk_x, chunk_z, modified_at) VALUES (?, 0, 0, ?)",
		raw, micros(now),
	); err != nil {
		return EntityTriad{}, fmt.Errorf("create chunk %d: %w", id, err)
	}

	triad := EntityTriad{
		Entity:   Entity{ID: id, OwnerID: owner, Kind: kind},
		Position: Position{ID: id},
		Rotation: Rotation{ID: id},
		Chunk:    Chunk{ID: id, ModifiedAt: fromMicros(micros(now))},
	}
	key := id.String()
	cs.add(TableEntity, OpInsert, key, triad.Entity)
	cs.add(TablePosition, OpInsert, key, triad.Position)
	cs.add(TableRotation, OpInsert, key, triad.Rotation)
	cs.add(TableChunk, OpInsert, key, triad.Chunk)
	return triad, nil
}

// DeleteEntity removes an entity. Its position, rotation, chunk and any
// buffered incoming rows go with it.
func (s *EntityStore) DeleteEntity(ctx context.Context, id EntityID) error {
	var cs changeSet
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		return deleteEntityTx(ctx, tx, &cs, id)
	})
	if err != nil {
		return err
	}
	s.feed.Publish(cs...)
	return nil
}

func deleteEntityTx(ctx context.Context, tx *sql.Tx, cs *changeSet, id EntityID) error {
	e, err := getEntity(ctx, tx, id)
	if err != nil {
		return err
	}
	// Rows that are already gone simply produce no delete event.
	pos, posErr := getPosition(ctx, tx, id)
	rot, rotErr := getRotation(ctx, tx, id)
	chunk, chunkErr := getChunk(ctx, tx, id)

	if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", int64(id)); err != nil {
		return fmt.Errorf("delete entity %d: %w", id, err)
	}
	key := id.String()
	if posErr == nil {
		cs.add(TablePosition, OpDelete, key, pos)
	}
	if rotErr == nil {
		cs.add(TableRotation, OpDelete, key, rot)
	}
	if chunkErr == nil {
		cs.add(TableChunk, OpDelete, key, chunk)
	}
	cs.add(TableEntity, OpDelete, key, e)
	return nil
}

// Triad returns an entity and its rows
func (s *EntityStore) Triad(ctx context.Context, id EntityID) (EntityTriad, error) {
	return loadTriad(ctx, s.db.conn, id)
}

// Entity returns the entity record
func (s *EntityStore) Entity(ctx context.Context, id EntityID) (Entity, error) {
	return getEntity(ctx, s.db.conn, id)
}

// Position returns the canonical position of an entity
func (s *EntityStore) Position(ctx context.Context, id EntityID) (Position, error) {
	return getPosition(ctx, s.db.conn, id)
}

// Rotation returns the canonical rotation of an entity
func (s *EntityStore) Rotation(ctx context.Context, id EntityID) (Rotation, error) {
	return getRotation(ctx, s.db.conn, id)
}

// Chunk returns the chunk row of an entity
func (s *EntityStore) Chunk(ctx context.Context, id EntityID) (Chunk, error) {
	return getChunk(ctx, s.db.conn, id)
}

// EntitiesByOwner returns the entities owned by an account, oldest first
func (s *EntityStore) EntitiesByOwner(ctx context.Context, owner AccountID) ([]Entity, error) {
	rows, err := s.db.conn.QueryContext(ctx,
		"SELECT id, owner_id, kind FROM entities WHERE owner_id = ? ORDER BY id",
		int64(owner),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Entity
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Kind); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func loadTriad(ctx context.Context, q queryer, id EntityID) (EntityTriad, error) {
	var (
		t   EntityTriad
		err error
	)
	if t.Entity, err = getEntity(ctx, q, id); err != nil {
		return EntityTriad{}, err
	}
	if t.Position, err = getPosition(ctx, q, id); err != nil {
		return EntityTriad{}, err
	}
	if t.Rotation, err = getRotation(ctx, q, id); err != nil {
		return EntityTriad{}, err
	}
	if t.Chunk, err = getChunk(ctx, q, id); err != nil {
		return EntityTriad{}, err
	}
	return t, nil
}

func notFound(err error, what string, id EntityID) error {
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %d: %w", what, id, ErrEntityNotFound)
	}
	return err
}

func getEntity(ctx context.Context, q queryer, id EntityID) (Entity, error) {
	var e Entity
	err := q.QueryRowContext(ctx, "SELECT id, owner_id, kind FROM entities WHERE id = ?", int64(id)).
		Scan(&e.ID, &e.OwnerID, &e.Kind)
	if err != nil {
		return Entity{}, notFound(err, "entity", id)
	}
	return e, nil
}

func getPosition(ctx context.Context, q queryer, id EntityID) (Position, error) {
	p := Position{ID: id}
	err := q.QueryRowContext(ctx, "SELECT x, y, z FROM entity_positions WHERE id = ?", int64(id)).
		Scan(&p.X, &p.Y, &p.Z)
	if err != nil {
		return Position{}, notFound(err, "position", id)
	}
	return p, nil
}

func getRotation(ctx context.Context, q queryer, id EntityID) (Rotation, error) {
	r := Rotation{ID: id}
	err := q.QueryRowContext(ctx, "SELECT rx, ry, rz FROM entity_rotations WHERE id = ?", int64(id)).
		Scan(&r.RX, &r.RY, &r.RZ)
	if err != nil {
		return Rotation{}, notFound(err, "rotation", id)
	}
	return r, nil
}

func getChunk(ctx context.Context, q queryer, id EntityID) (Chunk, error) {
	c := Chunk{ID: id}
	var modified int64
	err := q.QueryRowContext(ctx, "SELECT chunk_x, chunk_z, modified_at FROM entity_chunks WHERE id = ?", int64(id)).
		Scan(&c.ChunkX, &c.ChunkZ, &modified)
	if err != nil {
		return Chunk{}, notFound(err, "chunk", id)
	}
	c.ModifiedAt = fromMicros(modified)
	return c, nil
}

func entityExists(ctx context.Context, q queryer, id EntityID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM entities WHERE id = ?", int64(id)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// drain collects whatever is buffered on a subscription right now
func drain(sub *Subscription) []Change {
	var out []Change
	for {
		select {
		case c, ok := <-sub.C:
			if !ok {
				return out
			}
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestCreateEntityTriad(t *testing.T) {
	db := openTestDB(t)
	feed := NewFeed()
	sub := feed.Subscribe(16)
	store := NewEntityStore(db, feed)
	ctx := context.Background()

	triad, err := store.CreateEntity(ctx, 7, KindNonPlayer)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if triad.Entity.ID == 0 {
		t.Fatal("expected non-zero entity id")
	}
	if triad.Entity.OwnerID != 7 || triad.Entity.Kind != KindNonPlayer {
		t.Errorf("unexpected entity %+v", triad.Entity)
	}

	got, err := store.Triad(ctx, triad.Entity.ID)
	if err != nil {
		t.Fatalf("triad: %v", err)
	}
	if got.Position != (Position{ID: triad.Entity.ID}) {
		t.Errorf("position should start at origin, got %+v", got.Position)
	}
	if got.Rotation != (Rotation{ID: triad.Entity.ID}) {
		t.Errorf("rotation should start at zero, got %+v", got.Rotation)
	}
	if got.Chunk.ChunkX != 0 || got.Chunk.ChunkZ != 0 {
		t.Errorf("chunk should start at (0,0), got (%d,%d)", got.Chunk.ChunkX, got.Chunk.ChunkZ)
	}

	changes := drain(sub)
	if len(changes) != 4 {
		t.Fatalf("expected 4 insert events, got %d", len(changes))
	}
	for _, c := range changes {
		if c.Op != OpInsert {
			t.Errorf("expected insert, got %s on %s", c.Op, c.Table)
		}
	}
}

func TestCreateEntityIDsIncrease(t *testing.T) {
	db := openTestDB(t)
	store := NewEntityStore(db, NewFeed())
	ctx := context.Background()

	a, _ := store.CreateEntity(ctx, 0, KindWorld)
	b, _ := store.CreateEntity(ctx, 0, KindWorld)
	if b.Entity.ID <= a.Entity.ID {
		t.Errorf("ids should increase: %d then %d", a.Entity.ID, b.Entity.ID)
	}
}

func TestDeleteEntityCascades(t *testing.T) {
	db := openTestDB(t)
	feed := NewFeed()
	store := NewEntityStore(db, feed)
	ingest := NewIngestBuffer(db)
	ctx := context.Background()

	triad, _ := store.CreateEntity(ctx, 0, KindNonPlayer)
	id := triad.Entity.ID
	if _, err := ingest.SubmitPosition(ctx, id, 1, 2, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := ingest.SubmitRotation(ctx, id, 1, 2, 3); err != nil {
		t.Fatal(err)
	}

	sub := feed.Subscribe(16)
	if err := store.DeleteEntity(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := store.Position(ctx, id); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("position should be gone, got %v", err)
	}
	if _, err := store.Rotation(ctx, id); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("rotation should be gone, got %v", err)
	}
	if _, err := store.Chunk(ctx, id); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("chunk should be gone, got %v", err)
	}
	if n, _ := ingest.Size(ctx); n != 0 {
		t.Errorf("buffered rows should be gone, %d left", n)
	}
	if changes := drain(sub); len(changes) != 4 {
		t.Errorf("expected 4 delete events, got %d", len(changes))
	}
}

func TestDeleteEntityUnknown(t *testing.T) {
	db := openTestDB(t)
	store := NewEntityStore(db, NewFeed())
	err := store.DeleteEntity(context.Background(), 42)
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

func TestEntitiesByOwner(t *testing.T) {
	db := openTestDB(t)
	store := NewEntityStore(db, NewFeed())
	ctx := context.Background()

	store.CreateEntity(ctx, 1, KindPlayer)
	store.CreateEntity(ctx, 2, KindPlayer)
	store.CreateEntity(ctx, 1, KindNonPlayer)

	got, err := store.EntitiesByOwner(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entities for owner 1, got %d", len(got))
	}
	if got[0].ID >= got[1].ID {
		t.Error("entities should be ordered by id")
	}
}

func TestChunkCellReinterpretsSign(t *testing.T) {
	c := Chunk{ChunkX: 0xFFFFFFFF, ChunkZ: 2}
	x, z := c.Cell()
	if x != -1 || z != 2 {
		t.Errorf("Cell() = (%d,%d), want (-1,2)", x, z)
	}
}

func TestMicrosRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
	if got := fromMicros(micros(now)); !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}
}

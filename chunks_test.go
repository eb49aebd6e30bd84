package main

import (
	"context"
	"slices"
	"testing"
)

// setChunk forces an entity's chunk row to (cx, cz)
func setChunk(t *testing.T, w *World, id EntityID, cx, cz int32) {
	t.Helper()
	_, err := w.DB.conn.Exec("UPDATE entity_chunks SET chunk_x = ?, chunk_z = ? WHERE id = ?",
		int64(uint32(cx)), int64(uint32(cz)), int64(id))
	if err != nil {
		t.Fatal(err)
	}
}

func TestSubmitReconcileChunkScenario(t *testing.T) {
	w := newTestWorld(t, 50)
	ctx := context.Background()
	server := w.ServerIdentity()

	id := bringOnline(t, w, "walker")
	triad, _ := w.Entities.Triad(ctx, id)
	if triad.Position.X != 0 || triad.Chunk.ChunkX != 0 || triad.Chunk.ChunkZ != 0 {
		t.Fatalf("new entity should start at the origin: %+v", triad)
	}

	if _, err := w.Ingest.SubmitPosition(ctx, id, 100, 0, 200); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Reconcile.ProcessPositionUpdates(ctx, server); err != nil {
		t.Fatal(err)
	}
	pos, _ := w.Entities.Position(ctx, id)
	if pos.X != 100 || pos.Y != 0 || pos.Z != 200 {
		t.Fatalf("expected (100,0,200), got %+v", pos)
	}

	stats, err := w.Chunks.RecomputeChunks(ctx, server)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Updated != 1 {
		t.Errorf("expected one moved chunk, got %+v", stats)
	}
	chunk, _ := w.Entities.Chunk(ctx, id)
	if chunk.ChunkX != 2 || chunk.ChunkZ != 4 {
		t.Errorf("expected chunk (2,4), got (%d,%d)", chunk.ChunkX, chunk.ChunkZ)
	}
}

func TestChunkTickFloorsNegative(t *testing.T) {
	w := newTestWorld(t, 50)
	ctx := context.Background()
	server := w.ServerIdentity()

	id := bringOnline(t, w, "south")
	w.Ingest.SubmitPosition(ctx, id, 125, 0, -10)
	w.Reconcile.ProcessPositionUpdates(ctx, server)
	w.Chunks.RecomputeChunks(ctx, server)

	chunk, _ := w.Entities.Chunk(ctx, id)
	if cx, cz := chunk.Cell(); cx != 2 || cz != -1 {
		t.Errorf("expected cell (2,-1), got (%d,%d)", cx, cz)
	}
}

func TestChunkTickSkipsUnchanged(t *testing.T) {
	w := newTestWorld(t, DefaultCellSize)
	ctx := context.Background()
	server := w.ServerIdentity()

	id := bringOnline(t, w, "idle")
	before, _ := w.Entities.Chunk(ctx, id)

	sub := w.Feed.Subscribe(16)
	stats, _ := w.Chunks.RecomputeChunks(ctx, server)
	if stats.Scanned != 1 || stats.Updated != 0 || stats.Created != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	after, _ := w.Entities.Chunk(ctx, id)
	if !after.ModifiedAt.Equal(before.ModifiedAt) {
		t.Error("unchanged chunk must keep its modified_at")
	}
	if changes := drain(sub); len(changes) != 0 {
		t.Errorf("expected no chunk events, got %d", len(changes))
	}
}

func TestChunkTickOnlyOnlineOwners(t *testing.T) {
	w := newTestWorld(t, DefaultCellSize)
	ctx := context.Background()
	server := w.ServerIdentity()

	npc, _ := w.Entities.CreateEntity(ctx, 0, KindNonPlayer)
	w.Ingest.SubmitPosition(ctx, npc.Entity.ID, 1000, 0, 1000)
	w.Reconcile.ProcessPositionUpdates(ctx, server)

	w.Chunks.RecomputeChunks(ctx, server)
	chunk, _ := w.Entities.Chunk(ctx, npc.Entity.ID)
	if chunk.ChunkX != 0 || chunk.ChunkZ != 0 {
		t.Errorf("unowned entity should not be rechunked, got (%d,%d)", chunk.ChunkX, chunk.ChunkZ)
	}
}

func TestChunkTickRecreatesMissingRow(t *testing.T) {
	w := newTestWorld(t, DefaultCellSize)
	ctx := context.Background()

	id := bringOnline(t, w, "lost")
	w.DB.conn.Exec("DELETE FROM entity_chunks WHERE id = ?", int64(id))

	stats, _ := w.Chunks.RecomputeChunks(ctx, w.ServerIdentity())
	if stats.Created != 1 {
		t.Errorf("expected the chunk row to be recreated, got %+v", stats)
	}
	if _, err := w.Entities.Chunk(ctx, id); err != nil {
		t.Errorf("chunk row still missing: %v", err)
	}
}

func TestNearbyChunksAtOrigin(t *testing.T) {
	w := newTestWorld(t, DefaultCellSize)
	ctx := context.Background()

	viewer := bringOnline(t, w, "viewer")
	place := func(cx, cz int32) EntityID {
		triad, err := w.Entities.CreateEntity(ctx, 0, KindWorld)
		if err != nil {
			t.Fatal(err)
		}
		setChunk(t, w, triad.Entity.ID, cx, cz)
		return triad.Entity.ID
	}
	corner := place(3, 3)
	edge := place(0, 3)
	place(4, 0)  // outside on x
	place(0, 4)  // outside on z
	place(-1, 0) // wraps to the top of the unsigned range

	chunks, err := w.Chunks.NearbyChunks(ctx, "viewer", 3)
	if err != nil {
		t.Fatal(err)
	}
	var got []EntityID
	for _, c := range chunks {
		if c.ChunkX > 3 || c.ChunkZ > 3 {
			t.Errorf("chunk (%d,%d) outside [0,3]", c.ChunkX, c.ChunkZ)
		}
		got = append(got, c.ID)
	}
	want := []EntityID{viewer, corner, edge}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("nearby = %v, want %v", got, want)
	}
}

func TestNearbyChunksUnknownViewer(t *testing.T) {
	w := newTestWorld(t, DefaultCellSize)
	ctx := context.Background()

	w.Lifecycle.Connect(ctx, "guest")
	chunks, err := w.Chunks.NearbyChunks(ctx, "guest", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("viewer without entity should see nothing, got %d", len(chunks))
	}

	chunks, err = w.Chunks.NearbyChunksOf(ctx, 12345, 3)
	if err != nil || len(chunks) != 0 {
		t.Errorf("unknown entity: got %v, %v", chunks, err)
	}
}

package main

import (
	"math"
	"testing"
)

func TestCellOf(t *testing.T) {
	cases := []struct {
		v, size, want int32
	}{
		{0, 16, 0},
		{15, 16, 0},
		{16, 16, 1},
		{-1, 16, -1},
		{-16, 16, -1},
		{-17, 16, -2},
		{125, 50, 2},
		{-10, 50, -1},
		{-1, 50, -1},
		{200, 50, 4},
		{math.MinInt32, 16, math.MinInt32 / 16},
	}
	for _, c := range cases {
		if got := CellOf(c.v, c.size); got != c.want {
			t.Errorf("CellOf(%d, %d) = %d, want %d", c.v, c.size, got, c.want)
		}
	}
}

func TestChunkForNegativeBits(t *testing.T) {
	cx, cz := ChunkFor(Position{X: -1, Z: 0}, 50)
	if cx != 0xFFFFFFFF || cz != 0 {
		t.Errorf("ChunkFor(-1,0) = (%#x,%d), want (0xffffffff,0)", cx, cz)
	}
}

func TestNearbyBoundsSaturate(t *testing.T) {
	b := NearbyBounds(0, 1, 3)
	if b.MinX != 0 || b.MaxX != 3 || b.MinZ != 0 || b.MaxZ != 4 {
		t.Errorf("unexpected bounds near origin %+v", b)
	}

	b = NearbyBounds(math.MaxUint32-1, 10, 3)
	if b.MaxX != math.MaxUint32 || b.MinX != math.MaxUint32-4 {
		t.Errorf("unexpected bounds near max %+v", b)
	}
}

func TestChunkBoundsContains(t *testing.T) {
	b := NearbyBounds(5, 5, 2)
	if !b.Contains(3, 7) {
		t.Error("corner should be inside")
	}
	if b.Contains(2, 5) || b.Contains(5, 8) {
		t.Error("points past the radius should be outside")
	}
}

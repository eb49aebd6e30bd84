package main

import "math"

const (
	DefaultCellSize     = 16 // world units per chunk edge
	DefaultNearbyRadius = 3  // chunks around the viewer
)

// CellOf maps a world coordinate to its grid cell using floor division, so
// -1 lands in cell -1 rather than 0. size must be positive.
func CellOf(v, size int32) int32 {
	q := v / size
	if v%size != 0 && v < 0 {
		q--
	}
	return q
}

// ChunkFor returns the stored chunk coordinates of a position
func ChunkFor(p Position, size int32) (uint32, uint32) {
	return uint32(CellOf(p.X, size)), uint32(CellOf(p.Z, size))
}

// ChunkBounds is an inclusive rectangle of chunk coordinates
type ChunkBounds struct {
	MinX, MaxX uint32
	MinZ, MaxZ uint32
}

// NearbyBounds returns the chunks within radius of (cx, cz). Bounds
// saturate at the ends of the unsigned range instead of wrapping.
func NearbyBounds(cx, cz, radius uint32) ChunkBounds {
	return ChunkBounds{
		MinX: satSub(cx, radius),
		MaxX: satAdd(cx, radius),
		MinZ: satSub(cz, radius),
		MaxZ: satAdd(cz, radius),
	}
}

// Contains reports whether the chunk lies inside the bounds
func (b ChunkBounds) Contains(x, z uint32) bool {
	return x >= b.MinX && x <= b.MaxX && z >= b.MinZ && z <= b.MaxZ
}

func satSub(a, b uint32) uint32 {
	if b > a {
		return 0
	}
	return a - b
}

func satAdd(a, b uint32) uint32 {
	if b > math.MaxUint32-a {
		return math.MaxUint32
	}
	return a + b
}

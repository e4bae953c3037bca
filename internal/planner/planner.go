// Package planner groups fine-precision tiles into coarser upstream fetch
// rectangles, amortizing the per-request overhead of the upstream API.
package planner

import (
	"math"
	"sort"

	"github.com/bietiekay/overpass-proxy/internal/core/model"
)

// FetchGroup is a set of fine tiles to be fetched together, with the
// union of their bounds.
type FetchGroup struct {
	Bounds model.BoundingBox
	Tiles  []model.Tile
}

// DefaultTargetTilesPerRequest derives the group size target from the
// branching factor of geohash between the fine and coarse precisions,
// clamped to [8, 256].
func DefaultTargetTilesPerRequest(finePrecision, coarsePrecision uint) int {
	diff := int(finePrecision) - int(coarsePrecision)
	if diff < 0 {
		diff = 0
	}
	n := int(math.Pow(32, float64(diff)) / 8)
	switch {
	case n < 8:
		return 8
	case n > 256:
		return 256
	default:
		return n
	}
}

// Plan groups tiles by their coarsePrecision-length hash prefix, then
// walks each bucket (sorted by hash, a Z-order traversal) splitting it
// into runs bounded by targetTilesPerRequest and by a union-area guard
// against pathological tile distributions. Groups are returned sorted by
// (south, west, north, east) for deterministic ordering.
func Plan(tiles []model.Tile, coarsePrecision uint, targetTilesPerRequest int) []FetchGroup {
	if len(tiles) == 0 {
		return nil
	}
	if targetTilesPerRequest <= 0 {
		targetTilesPerRequest = 32
	}

	buckets := make(map[string][]model.Tile)
	for _, t := range tiles {
		prefix := coarsePrefix(t.Hash, coarsePrecision)
		buckets[prefix] = append(buckets[prefix], t)
	}

	var groups []FetchGroup
	for _, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Hash < bucket[j].Hash })
		groups = append(groups, splitBucket(bucket, targetTilesPerRequest)...)
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].Bounds, groups[j].Bounds
		if a.South != b.South {
			return a.South < b.South
		}
		if a.West != b.West {
			return a.West < b.West
		}
		if a.North != b.North {
			return a.North < b.North
		}
		return a.East < b.East
	})
	return groups
}

func splitBucket(bucket []model.Tile, target int) []FetchGroup {
	var groups []FetchGroup
	var cur []model.Tile
	var curBounds model.BoundingBox
	var maxTileArea float64

	flush := func() {
		if len(cur) == 0 {
			return
		}
		groups = append(groups, FetchGroup{Bounds: curBounds, Tiles: cur})
		cur = nil
	}

	for _, t := range bucket {
		tileArea := area(t.Bounds)
		if len(cur) == 0 {
			cur = []model.Tile{t}
			curBounds = t.Bounds
			maxTileArea = tileArea
			continue
		}

		candidateBounds := union(curBounds, t.Bounds)
		candidateMaxTileArea := math.Max(maxTileArea, tileArea)
		overGuard := area(candidateBounds) > float64(target)*candidateMaxTileArea

		if len(cur) >= target || overGuard {
			flush()
			cur = []model.Tile{t}
			curBounds = t.Bounds
			maxTileArea = tileArea
			continue
		}

		cur = append(cur, t)
		curBounds = candidateBounds
		maxTileArea = candidateMaxTileArea
	}
	flush()
	return groups
}

func coarsePrefix(hash string, coarsePrecision uint) string {
	n := int(coarsePrecision)
	if n > len(hash) {
		n = len(hash)
	}
	return hash[:n]
}

func area(b model.BoundingBox) float64 {
	return (b.North - b.South) * (b.East - b.West)
}

func union(a, b model.BoundingBox) model.BoundingBox {
	return model.BoundingBox{
		South: math.Min(a.South, b.South),
		West:  math.Min(a.West, b.West),
		North: math.Max(a.North, b.North),
		East:  math.Max(a.East, b.East),
	}
}

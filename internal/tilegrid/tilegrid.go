// Package tilegrid maps a bounding box to the set of geohash cells
// covering it at a configured precision, and decodes a cell hash back to
// its bounds.
package tilegrid

import (
	"sort"

	"github.com/mmcloughlin/geohash"

	"github.com/bietiekay/overpass-proxy/internal/core/model"
)

// TilesFor computes the set of geohash cells at the given precision that
// cover bbox, deduplicated by hash. Cells are visited by stepping a full
// cell-width/height grid across the box from its south-west corner, with
// the last row and column clamped to the north and east edges, so every
// corner is sampled and a box smaller than a single cell still yields the
// cell (or cells, if it straddles a cell edge) containing it.
func TilesFor(bbox model.BoundingBox, precision uint) []model.Tile {
	if precision == 0 || !bbox.Valid() {
		return nil
	}

	seen := make(map[string]model.Tile)
	add := func(lat, lon float64) {
		hash := geohash.EncodeWithPrecision(lat, lon, precision)
		if _, ok := seen[hash]; ok {
			return
		}
		box := geohash.BoundingBox(hash)
		seen[hash] = model.Tile{
			Hash: hash,
			Bounds: model.BoundingBox{
				South: box.MinLat,
				West:  box.MinLng,
				North: box.MaxLat,
				East:  box.MaxLng,
			},
		}
	}

	// Corner hash determines this precision's cell size.
	corner := geohash.BoundingBox(geohash.EncodeWithPrecision(bbox.South, bbox.West, precision))
	latStep := corner.MaxLat - corner.MinLat
	lonStep := corner.MaxLng - corner.MinLng
	if latStep <= 0 {
		latStep = 1e-6
	}
	if lonStep <= 0 {
		lonStep = 1e-6
	}

	for lat := bbox.South; ; lat += latStep {
		atNorthEdge := lat >= bbox.North
		if atNorthEdge {
			lat = bbox.North
		}
		for lon := bbox.West; ; lon += lonStep {
			atEastEdge := lon >= bbox.East
			if atEastEdge {
				lon = bbox.East
			}
			add(lat, lon)
			if atEastEdge {
				break
			}
		}
		if atNorthEdge {
			break
		}
	}

	tiles := make([]model.Tile, 0, len(seen))
	for _, t := range seen {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].Hash < tiles[j].Hash })
	return tiles
}

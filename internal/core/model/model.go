// Package model defines core domain types shared across the caching proxy.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BoundingBox is an axis-aligned rectangle in geodetic degrees.
// Invariant: South <= North && West <= East. Dateline wrap (crossing
// +/-180 longitude) is not supported.
type BoundingBox struct {
	South float64
	West  float64
	North float64
	East  float64
}

func (b BoundingBox) Valid() bool {
	return b.South <= b.North && b.West <= b.East
}

func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.South, b.West, b.North, b.East)
}

// Tile is a single geohash cell together with its decoded bounds. Tiles at
// a given precision partition the plane; hashes are unique within a
// request's tile set.
type Tile struct {
	Hash   string
	Bounds BoundingBox
}

// AmenityKey is a case-folded, whitespace-trimmed amenity class identifier
// (e.g. "toilets"). It segments the cache namespace and parameterizes
// upstream queries.
type AmenityKey string

// NormalizeAmenity trims and case-folds a raw amenity value. The empty
// string maps to AmenityKey(""), which callers should treat as absent.
func NormalizeAmenity(raw string) AmenityKey {
	return AmenityKey(strings.ToLower(strings.TrimSpace(raw)))
}

func (a AmenityKey) String() string { return string(a) }

// ElementKind discriminates the three Overpass element variants.
type ElementKind string

const (
	KindNode     ElementKind = "node"
	KindWay      ElementKind = "way"
	KindRelation ElementKind = "relation"
)

// Member is a relation member reference.
type Member struct {
	Type ElementKind `json:"type"`
	Ref  int64       `json:"ref"`
	Role string      `json:"role,omitempty"`
}

// OverpassElement is a tagged OSM record. Node carries Lat/Lon, Way
// carries Nodes, Relation carries Members; any variant may carry Tags.
type OverpassElement struct {
	Type    ElementKind       `json:"type"`
	ID      int64             `json:"id"`
	Lat     *float64          `json:"lat,omitempty"`
	Lon     *float64          `json:"lon,omitempty"`
	Nodes   []int64           `json:"nodes,omitempty"`
	Members []Member          `json:"members,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// ElementKey identifies an element for dedup purposes: (kind, id).
type ElementKey struct {
	Kind ElementKind
	ID   int64
}

func (e OverpassElement) Key() ElementKey { return ElementKey{Kind: e.Type, ID: e.ID} }

// Clone deep-copies an element so the result shares no mutable state
// (slices, maps) with the original.
func (e OverpassElement) Clone() OverpassElement {
	cp := e
	if e.Lat != nil {
		v := *e.Lat
		cp.Lat = &v
	}
	if e.Lon != nil {
		v := *e.Lon
		cp.Lon = &v
	}
	if e.Nodes != nil {
		cp.Nodes = append([]int64(nil), e.Nodes...)
	}
	if e.Members != nil {
		cp.Members = append([]Member(nil), e.Members...)
	}
	if e.Tags != nil {
		t := make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			t[k] = v
		}
		cp.Tags = t
	}
	return cp
}

// OverpassResponse is the Overpass response envelope. Version, Generator
// and Osm3S are opaque metadata passed through verbatim; they are kept as
// raw JSON so deep-cloning them is a plain byte copy.
type OverpassResponse struct {
	Version   json.RawMessage   `json:"version,omitempty"`
	Generator json.RawMessage   `json:"generator,omitempty"`
	Osm3S     json.RawMessage   `json:"osm3s,omitempty"`
	Elements  []OverpassElement `json:"elements"`
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// CloneEnvelope returns a copy of the response with freshly-cloned opaque
// envelope fields. Elements are not copied by this method.
func (r OverpassResponse) CloneEnvelope() OverpassResponse {
	return OverpassResponse{
		Version:   cloneRaw(r.Version),
		Generator: cloneRaw(r.Generator),
		Osm3S:     cloneRaw(r.Osm3S),
	}
}

// TilePayload is the cached value for one (amenity, tile): the fetched
// response plus its freshness window. Invariant: FetchedAt <= ExpiresAt.
type TilePayload struct {
	Response  OverpassResponse `json:"response"`
	FetchedAt time.Time        `json:"fetchedAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

func (p TilePayload) IsStale(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// CachedTile pairs a tile with the payload found for it in the store.
type CachedTile struct {
	Tile    Tile
	Payload TilePayload
	Stale   bool
}

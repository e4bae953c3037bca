// Package keys defines the Redis key formats used by the tile cache.
package keys

import "github.com/bietiekay/overpass-proxy/internal/core/model"

// Tile returns the storage key for a tile's payload.
func Tile(amenity model.AmenityKey, hash string) string {
	return "tile:" + string(amenity) + ":" + hash
}

// RefreshLock returns the single-flight key guarding a background refresh.
func RefreshLock(amenity model.AmenityKey, hash string) string {
	return Tile(amenity, hash) + ":lock"
}

// MissLock returns the single-flight key guarding a foreground miss-fetch.
func MissLock(amenity model.AmenityKey, hash string) string {
	return Tile(amenity, hash) + ":inflight"
}

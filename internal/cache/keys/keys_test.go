package keys

import (
	"testing"

	"github.com/bietiekay/overpass-proxy/internal/core/model"
)

func TestTile_Format(t *testing.T) {
	k := Tile(model.NormalizeAmenity("cafe"), "u33db")
	want := "tile:cafe:u33db"
	if k != want {
		t.Fatalf("Tile = %q, want %q", k, want)
	}
}

func TestRefreshLockAndMissLock_SuffixTileKey(t *testing.T) {
	amenity := model.NormalizeAmenity("toilets")
	tile := Tile(amenity, "u33db")

	if got, want := RefreshLock(amenity, "u33db"), tile+":lock"; got != want {
		t.Fatalf("RefreshLock = %q, want %q", got, want)
	}
	if got, want := MissLock(amenity, "u33db"), tile+":inflight"; got != want {
		t.Fatalf("MissLock = %q, want %q", got, want)
	}
}

func TestAmenityScoping_DistinctAmenitiesDistinctKeys(t *testing.T) {
	a := Tile(model.NormalizeAmenity("cafe"), "u33db")
	b := Tile(model.NormalizeAmenity("drinking_water"), "u33db")
	if a == b {
		t.Fatalf("expected distinct keys for distinct amenities, got %q for both", a)
	}
}

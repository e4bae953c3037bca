// Package dispatcher orchestrates one request end to end: classify the
// query, decompose its bounding box into tiles, read the tile store,
// plan and run background refreshes and foreground misses, assemble the
// merged response, and apply conditional-cache negotiation.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bietiekay/overpass-proxy/internal/assembler"
	"github.com/bietiekay/overpass-proxy/internal/cache/tilestore"
	"github.com/bietiekay/overpass-proxy/internal/conditionalcache"
	"github.com/bietiekay/overpass-proxy/internal/core/model"
	"github.com/bietiekay/overpass-proxy/internal/core/observability"
	mylog "github.com/bietiekay/overpass-proxy/internal/logger"
	"github.com/bietiekay/overpass-proxy/internal/planner"
	"github.com/bietiekay/overpass-proxy/internal/query"
	"github.com/bietiekay/overpass-proxy/internal/tilegrid"
)

const defaultAmenity = model.AmenityKey("toilets")

// UpstreamFetcher is the subset of upstream/client.Client the dispatcher
// depends on.
type UpstreamFetcher interface {
	FetchTile(ctx context.Context, bounds model.BoundingBox, amenity model.AmenityKey) (model.OverpassResponse, error)
}

// Passthrough forwards a request verbatim to an upstream when it is not
// a cacheable tile query.
type Passthrough interface {
	Forward(w http.ResponseWriter, r *http.Request)
}

// Config configures the request pipeline, sourced from core/config.Config.
type Config struct {
	TilePrecision        uint
	CoarsePrecision      uint
	MaxTilesPerRequest   int
	MissLockTTL          time.Duration
	MaxConcurrentRefresh int
	TransparentOnly      bool
}

// Dispatcher is the pipeline described in the control-flow overview:
// classify, decompose, read, plan, fetch, assemble, emit.
type Dispatcher struct {
	store       *tilestore.Store
	upstream    UpstreamFetcher
	passthrough Passthrough
	logger      *slog.Logger
	cfg         Config
}

func New(store *tilestore.Store, upstream UpstreamFetcher, passthrough Passthrough, logger *slog.Logger, cfg Config) *Dispatcher {
	return &Dispatcher{store: store, upstream: upstream, passthrough: passthrough, logger: logger, cfg: cfg}
}

// ServeHTTP implements the single entry point for /api/interpreter.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if d.cfg.TransparentOnly {
		d.passthrough.Forward(w, r)
		return
	}

	q, err := readQuery(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if strings.TrimSpace(q) == "" {
		writeError(w, http.StatusBadRequest, "Query payload required")
		return
	}

	if !query.HasJSONOutput(q) || !query.HasAmenityFilter(q) {
		d.passthrough.Forward(w, r)
		return
	}

	bbox, ok := query.ExtractBoundingBox(q)
	if !ok || !bbox.Valid() {
		writeError(w, http.StatusBadRequest, "Bounding box required")
		return
	}

	amenity := d.resolveAmenity(q, r)
	ctx = mylog.WithAmenity(ctx, amenity.String())
	log := d.logger

	tiles := tilegrid.TilesFor(bbox, d.tilePrecision())
	if len(tiles) == 0 {
		writeError(w, http.StatusBadRequest, "Bounding box required")
		return
	}
	observability.ObserveTilesPerRequest(len(tiles))

	if max := d.cfg.MaxTilesPerRequest; max > 0 && len(tiles) > max {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request requires %d tiles", len(tiles)))
		return
	}

	found, err := d.store.ReadTiles(ctx, tiles, amenity)
	if err != nil {
		log.ErrorContext(ctx, "tile store read failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	var stale, missing []model.Tile
	for _, t := range tiles {
		ct, ok := found[t.Hash]
		switch {
		case !ok:
			missing = append(missing, t)
			observability.IncTileCacheResult("missing")
		case ct.Stale:
			stale = append(stale, t)
			observability.IncTileCacheResult("stale")
		default:
			observability.IncTileCacheResult("fresh")
		}
	}

	cacheStatus := "HIT"
	switch {
	case len(missing) > 0:
		cacheStatus = "MISS"
	case len(stale) > 0:
		cacheStatus = "STALE"
	}
	observability.IncCacheStatus(cacheStatus)
	ctx = mylog.WithCacheStatus(ctx, cacheStatus)

	if len(stale) > 0 {
		d.backgroundRefresh(ctx, stale, amenity)
	}

	if len(missing) > 0 {
		d.synchronousMiss(ctx, missing, amenity)
		reread, err := d.store.ReadTiles(ctx, missing, amenity)
		if err != nil {
			log.ErrorContext(ctx, "tile store re-read failed", "err", err)
		} else {
			for hash, ct := range reread {
				found[hash] = ct
			}
		}
		for _, t := range missing {
			if _, ok := found[t.Hash]; !ok {
				log.WarnContext(ctx, "tile still absent after miss handling", "tile", t.Hash)
			}
		}
	}

	payloads := make([]model.OverpassResponse, 0, len(found))
	for _, t := range tiles {
		if ct, ok := found[t.Hash]; ok {
			payloads = append(payloads, ct.Payload.Response)
		}
	}

	merged := assembler.Combine(payloads, bbox)

	handled, etag, err := conditionalcache.ApplyConditional(w, r, merged)
	if err != nil {
		log.ErrorContext(ctx, "etag computation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if handled {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cacheStatus)
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(merged)
}

func (d *Dispatcher) tilePrecision() uint {
	if d.cfg.TilePrecision == 0 {
		return 5
	}
	return d.cfg.TilePrecision
}

// resolveAmenity prefers the amenity named in the query text, then any
// amenity form/query parameter, then the fixed default.
func (d *Dispatcher) resolveAmenity(q string, r *http.Request) model.AmenityKey {
	if a, ok := query.ExtractAmenityValue(q); ok {
		return a
	}
	if v := r.FormValue("amenity"); v != "" {
		if a := model.NormalizeAmenity(v); a != "" {
			return a
		}
	}
	return defaultAmenity
}

// backgroundRefresh submits stale tile groups as fire-and-forget
// refreshes, bounded to at most MaxConcurrentRefresh concurrent in-flight
// fetches. The response to the current request does not wait on these;
// it already has the stale payload to serve.
func (d *Dispatcher) backgroundRefresh(ctx context.Context, tiles []model.Tile, amenity model.AmenityKey) {
	groups := planner.Plan(tiles, d.cfg.CoarsePrecision, planner.DefaultTargetTilesPerRequest(d.tilePrecision(), d.cfg.CoarsePrecision))

	limit := d.cfg.MaxConcurrentRefresh
	if limit <= 0 {
		limit = 8
	}
	sem := make(chan struct{}, limit)
	detached := context.WithoutCancel(ctx)

	for _, g := range groups {
		group := g
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			d.refreshGroup(detached, group, amenity)
		}()
	}
}

func (d *Dispatcher) refreshGroup(ctx context.Context, group planner.FetchGroup, amenity model.AmenityKey) {
	anchor := anchorTile(group.Tiles)
	err := d.store.WithRefreshLock(ctx, anchor, amenity, func(ctx context.Context) error {
		resp, err := d.upstream.FetchTile(ctx, group.Bounds, amenity)
		if err != nil {
			return err
		}
		entries := make(map[string]model.OverpassResponse, len(group.Tiles))
		for _, t := range group.Tiles {
			entries[t.Hash] = resp
		}
		return d.store.WriteTiles(ctx, amenity, entries)
	})
	if err != nil {
		observability.IncRefresh("error")
		d.logger.ErrorContext(ctx, "background refresh failed", "err", err, "group_size", len(group.Tiles))
		return
	}
	observability.IncRefresh("ok")
	observability.ObserveFetchGroupSize(len(group.Tiles))
}

// synchronousMiss fetches every missing group in parallel, each guarded
// by its own miss lock keyed on the group's anchor tile (the lowest-hash
// tile in the group): TileStore's single-flight lock is defined per
// tile, so the anchor stands in for the whole group.
func (d *Dispatcher) synchronousMiss(ctx context.Context, tiles []model.Tile, amenity model.AmenityKey) {
	groups := planner.Plan(tiles, d.cfg.CoarsePrecision, planner.DefaultTargetTilesPerRequest(d.tilePrecision(), d.cfg.CoarsePrecision))

	var wg sync.WaitGroup
	for _, g := range groups {
		group := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.missGroup(ctx, group, amenity)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) missGroup(ctx context.Context, group planner.FetchGroup, amenity model.AmenityKey) {
	anchor := anchorTile(group.Tiles)
	ttl := d.cfg.MissLockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}

	outcome, err := d.store.WithMissLock(ctx, anchor, amenity, func(ctx context.Context) error {
		resp, err := d.upstream.FetchTile(ctx, group.Bounds, amenity)
		if err != nil {
			return err
		}
		entries := make(map[string]model.OverpassResponse, len(group.Tiles))
		for _, t := range group.Tiles {
			entries[t.Hash] = resp
		}
		return d.store.WriteTiles(ctx, amenity, entries)
	}, ttl)

	if err != nil {
		observability.IncSingleFlightWait("error")
		d.logger.ErrorContext(ctx, "miss fetch failed", "err", err, "group_size", len(group.Tiles))
		return
	}
	observability.IncSingleFlightWait(string(outcome))
	if outcome == tilestore.MissFetched {
		observability.ObserveFetchGroupSize(len(group.Tiles))
	}
}

// anchorTile returns the lowest-hash tile in the group: a deterministic
// representative for a group-level single-flight lock.
func anchorTile(tiles []model.Tile) model.Tile {
	anchor := tiles[0]
	for _, t := range tiles[1:] {
		if t.Hash < anchor.Hash {
			anchor = t
		}
	}
	return anchor
}

// readQuery extracts the raw Overpass QL query text: form field "data" on
// POST, query parameter "data" or "q" on GET, or the raw POST body as a
// last resort. It buffers the POST body itself (rather than draining it
// via r.ParseForm/io.ReadAll and discarding it) and resets r.Body to a
// fresh reader over the buffered bytes, so a request that falls through
// to the pass-through proxy still has its original body to forward.
func readQuery(r *http.Request) (string, error) {
	if v := r.URL.Query().Get("data"); v != "" {
		return v, nil
	}
	if v := r.URL.Query().Get("q"); v != "" {
		return v, nil
	}
	if r.Method != http.MethodPost {
		return "", nil
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
		if err != nil {
			return "", err
		}
		body = b
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "application/x-www-form-urlencoded") {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return "", err
		}
		return values.Get("data"), nil
	}
	return string(body), nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":%q}`, msg)))
}


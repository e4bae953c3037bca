// Package client issues the per-amenity Overpass fetch for a rectangle
// and retries it across an UpstreamPool.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bietiekay/overpass-proxy/internal/core/model"
	"github.com/bietiekay/overpass-proxy/internal/core/observability"
	"github.com/bietiekay/overpass-proxy/internal/upstream/pool"
)

// Client issues amenity-scoped Overpass queries against a pool of
// upstream URLs.
type Client struct {
	http *http.Client
	pool *pool.Pool
}

func New(httpClient *http.Client, p *pool.Pool) *Client {
	return &Client{http: httpClient, pool: p}
}

// FetchTile issues the amenity-scoped Overpass query for bounds and
// parses the response into an OverpassResponse, retrying across the pool
// on transient failure.
func (c *Client) FetchTile(ctx context.Context, bounds model.BoundingBox, amenity model.AmenityKey) (model.OverpassResponse, error) {
	body := url.Values{"data": {BuildQuery(amenity, bounds)}}.Encode()
	var out model.OverpassResponse

	err := c.pool.WithUpstream(ctx, func(ctx context.Context, target string) error {
		start := time.Now()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			observability.IncUpstreamRequest(target, "error")
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		observability.ObserveUpstreamLatency(target, time.Since(start).Seconds())

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			observability.IncUpstreamRequest(target, "http_error")
			observability.IncUpstreamFailure(target, strconv.Itoa(resp.StatusCode))
			return &pool.HTTPStatusError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b)),
			}
		}

		var parsed model.OverpassResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			observability.IncUpstreamRequest(target, "parse_error")
			return fmt.Errorf("decode overpass response: %w", err)
		}
		observability.IncUpstreamRequest(target, "ok")
		out = parsed
		return nil
	})
	return out, err
}

// BuildQuery renders the Overpass QL query for a single amenity over a
// rectangle, per the proxy's fixed query template. The amenity value is
// escaped by doubling double-quote characters.
func BuildQuery(amenity model.AmenityKey, b model.BoundingBox) string {
	esc := strings.ReplaceAll(string(amenity), `"`, `""`)
	bbox := fmt.Sprintf("%s,%s,%s,%s", formatNum(b.South), formatNum(b.West), formatNum(b.North), formatNum(b.East))
	return fmt.Sprintf(
		"[out:json][timeout:120];\n"+
			"(\n"+
			"  node[\"amenity\"=\"%s\"](%s);\n"+
			"  way[\"amenity\"=\"%s\"](%s);\n"+
			"  relation[\"amenity\"=\"%s\"](%s);\n"+
			");\n"+
			"out body meta;\n"+
			">;\n"+
			"out skel qt;\n",
		esc, bbox, esc, bbox, esc, bbox,
	)
}

func formatNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

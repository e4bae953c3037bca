package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/bietiekay/overpass-proxy/internal/cache/redisstore"
	"github.com/bietiekay/overpass-proxy/internal/cache/tilestore"
	"github.com/bietiekay/overpass-proxy/internal/core/model"
	mylog "github.com/bietiekay/overpass-proxy/internal/logger"
)

type fakeUpstream struct {
	calls    int32
	response model.OverpassResponse
	err      error
}

func (f *fakeUpstream) FetchTile(ctx context.Context, bounds model.BoundingBox, amenity model.AmenityKey) (model.OverpassResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return model.OverpassResponse{}, f.err
	}
	return f.response, nil
}

type fakePassthrough struct {
	calls    int32
	lastBody string
}

func (f *fakePassthrough) Forward(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&f.calls, 1)
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		f.lastBody = string(b)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("passthrough"))
}

func newTestDispatcher(t *testing.T, upstream UpstreamFetcher, pass Passthrough) *Dispatcher {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	store := tilestore.New(rc, time.Hour, time.Minute)
	zl := mylog.Build(mylog.Config{Level: "silent"}, nil)
	logger := mylog.NewSlog(&zl)

	return New(store, upstream, pass, logger, Config{
		TilePrecision:        4,
		CoarsePrecision:      2,
		MaxTilesPerRequest:   1024,
		MissLockTTL:          time.Second,
		MaxConcurrentRefresh: 8,
	})
}

func jsonQuery(amenity string, bbox string) string {
	return `[out:json][timeout:120];(node["amenity"="` + amenity + `"](` + bbox + `););out body;`
}

func requestWithQuery(method, data string) *http.Request {
	u := "/api/interpreter?" + url.Values{"data": {data}}.Encode()
	return httptest.NewRequest(method, u, nil)
}

func TestServeHTTP_NoQuery_400(t *testing.T) {
	d := newTestDispatcher(t, &fakeUpstream{}, &fakePassthrough{})
	r := httptest.NewRequest(http.MethodGet, "/api/interpreter", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestServeHTTP_NotCacheable_DelegatesToPassthrough(t *testing.T) {
	pass := &fakePassthrough{}
	d := newTestDispatcher(t, &fakeUpstream{}, pass)

	r := requestWithQuery(http.MethodGet, `[out:xml];node(1,2,3,4);`)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if atomic.LoadInt32(&pass.calls) != 1 {
		t.Fatalf("expected one passthrough call for a non-json query, got %d", pass.calls)
	}
	if w.Code != http.StatusOK || w.Body.String() != "passthrough" {
		t.Fatalf("expected passthrough response to be relayed, got %d %q", w.Code, w.Body.String())
	}
}

func TestServeHTTP_NotCacheable_POSTRawBody_ForwardsOriginalBody(t *testing.T) {
	pass := &fakePassthrough{}
	d := newTestDispatcher(t, &fakeUpstream{}, pass)

	body := `[out:xml];node(1,2,3,4);`
	r := httptest.NewRequest(http.MethodPost, "/api/interpreter", strings.NewReader(body))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if atomic.LoadInt32(&pass.calls) != 1 {
		t.Fatalf("expected one passthrough call for a non-json query, got %d", pass.calls)
	}
	if pass.lastBody != body {
		t.Fatalf("expected passthrough to receive the original raw body, got %q want %q", pass.lastBody, body)
	}
}

func TestServeHTTP_NotCacheable_POSTFormBody_ForwardsOriginalBody(t *testing.T) {
	pass := &fakePassthrough{}
	d := newTestDispatcher(t, &fakeUpstream{}, pass)

	form := url.Values{"data": {`[out:xml];node(1,2,3,4);`}}.Encode()
	r := httptest.NewRequest(http.MethodPost, "/api/interpreter", strings.NewReader(form))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if atomic.LoadInt32(&pass.calls) != 1 {
		t.Fatalf("expected one passthrough call for a non-json query, got %d", pass.calls)
	}
	if pass.lastBody != form {
		t.Fatalf("expected passthrough to receive the original form-encoded body, got %q want %q", pass.lastBody, form)
	}
}

func TestServeHTTP_NoBBox_400(t *testing.T) {
	d := newTestDispatcher(t, &fakeUpstream{}, &fakePassthrough{})
	q := `[out:json];node["amenity"="cafe"];out body;`
	r := requestWithQuery(http.MethodGet, q)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing bbox, got %d", w.Code)
	}
}

func TestServeHTTP_MissFetchesAndCachesAndSetsMissHeader(t *testing.T) {
	up := &fakeUpstream{response: model.OverpassResponse{
		Elements: []model.OverpassElement{{Type: model.KindNode, ID: 1, Lat: f64(1), Lon: f64(1)}},
	}}
	d := newTestDispatcher(t, up, &fakePassthrough{})

	q := jsonQuery("cafe", "0,0,2,2")
	r := requestWithQuery(http.MethodGet, q)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("expected X-Cache: MISS on first fetch, got %q", w.Header().Get("X-Cache"))
	}
	if atomic.LoadInt32(&up.calls) == 0 {
		t.Fatal("expected at least one upstream fetch on a miss")
	}

	var resp model.OverpassResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Elements) != 1 {
		t.Fatalf("expected one element in assembled response, got %d", len(resp.Elements))
	}
}

func TestServeHTTP_TileOverflow_413(t *testing.T) {
	d := newTestDispatcher(t, &fakeUpstream{}, &fakePassthrough{})
	d.cfg.MaxTilesPerRequest = 1

	q := jsonQuery("cafe", "-80,-170,80,170")
	r := requestWithQuery(http.MethodGet, q)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Request requires") {
		t.Fatalf("expected body to name the tile count, got %q", w.Body.String())
	}
}

func TestServeHTTP_UpstreamErrorOnMiss_StillRespondsWithoutTile(t *testing.T) {
	up := &fakeUpstream{err: errors.New("upstream down")}
	d := newTestDispatcher(t, up, &fakePassthrough{})

	q := jsonQuery("cafe", "0,0,2,2")
	r := requestWithQuery(http.MethodGet, q)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with an empty assembled response even if upstream failed, got %d", w.Code)
	}
	var resp model.OverpassResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Elements) != 0 {
		t.Fatalf("expected no elements when upstream fetch failed, got %d", len(resp.Elements))
	}
}

func TestServeHTTP_304OnMatchingETag(t *testing.T) {
	up := &fakeUpstream{response: model.OverpassResponse{
		Elements: []model.OverpassElement{{Type: model.KindNode, ID: 1, Lat: f64(1), Lon: f64(1)}},
	}}
	d := newTestDispatcher(t, up, &fakePassthrough{})

	q := jsonQuery("cafe", "0,0,2,2")
	r1 := requestWithQuery(http.MethodGet, q)
	w1 := httptest.NewRecorder()
	d.ServeHTTP(w1, r1)
	etag := w1.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag on the first response")
	}

	r2 := requestWithQuery(http.MethodGet, q)
	r2.Header.Set("If-None-Match", etag)
	w2 := httptest.NewRecorder()
	d.ServeHTTP(w2, r2)

	if w2.Code != http.StatusNotModified {
		t.Fatalf("expected 304 on matching etag, got %d", w2.Code)
	}
}

func f64(v float64) *float64 { return &v }

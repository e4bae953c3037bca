// Package passthrough forwards Overpass endpoints that are not
// cacheable (status, timestamp, kill_my_queries, and anything the
// classifier did not recognize as a tile query) straight through to an
// upstream, retrying across the pool on transient failure.
package passthrough

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bietiekay/overpass-proxy/internal/core/observability"
	"github.com/bietiekay/overpass-proxy/internal/upstream/pool"
)

// hopByHop lists headers that are connection-scoped and must not be
// copied across a proxy hop (RFC 7230 §6.1).
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Proxy forwards a client request to one upstream URL from pool,
// retrying on transient failure the same way Client.FetchTile does.
type Proxy struct {
	http   *http.Client
	pool   *pool.Pool
	logger *slog.Logger
}

func New(httpClient *http.Client, p *pool.Pool, logger *slog.Logger) *Proxy {
	return &Proxy{http: httpClient, pool: p, logger: logger}
}

// Forward buffers the incoming request body (so it can be replayed
// across retries), reissues it against the upstream pool with the
// original method, path and query preserved, and streams the upstream
// response back verbatim. A 5xx or 429 upstream response triggers
// failover to the next pool URL; all other statuses, including 4xx,
// are relayed to the client as-is.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		body = b
	}

	var upstreamResp *http.Response
	err := p.pool.WithUpstream(r.Context(), func(ctx context.Context, target string) error {
		start := time.Now()
		req, err := p.buildRequest(ctx, target, r, body)
		if err != nil {
			return fmt.Errorf("build passthrough request: %w", err)
		}

		resp, err := p.http.Do(req)
		if err != nil {
			observability.IncUpstreamRequest(target, "error")
			return err
		}
		observability.ObserveUpstreamLatency(target, time.Since(start).Seconds())

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			observability.IncUpstreamRequest(target, "http_error")
			observability.IncUpstreamFailure(target, strconv.Itoa(resp.StatusCode))
			_ = resp.Body.Close()
			return &pool.HTTPStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream status %d", resp.StatusCode)}
		}

		observability.IncUpstreamRequest(target, "ok")
		upstreamResp = resp
		return nil
	})

	if err != nil {
		if p.logger != nil {
			p.logger.Error("passthrough forward failed", "path", r.URL.Path, "err", err)
		}
		writeError(w, http.StatusBadGateway, "Upstream error")
		return
	}
	defer func() { _ = upstreamResp.Body.Close() }()

	copyHeader(w.Header(), upstreamResp.Header)
	w.WriteHeader(upstreamResp.StatusCode)
	_, _ = io.Copy(w, upstreamResp.Body)
}

func (p *Proxy) buildRequest(ctx context.Context, target string, r *http.Request, body []byte) (*http.Request, error) {
	u, err := targetURL(target, r)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u, reader)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	stripHopByHop(req.Header)
	req.Header.Set("X-Forwarded-For", r.RemoteAddr)
	return req, nil
}

// targetURL rewrites the scheme+host of the pool's configured upstream
// base URL while preserving the client's path and query string.
func targetURL(target string, r *http.Request) (string, error) {
	base, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	base.Path = r.URL.Path
	base.RawPath = r.URL.EscapedPath()
	base.RawQuery = r.URL.RawQuery
	return base.String(), nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	stripHopByHop(dst)
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHop {
		h.Del(k)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(fmt.Sprintf(`{"error":%q}`, msg)))
}

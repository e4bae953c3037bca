// Package conditionalcache computes a weak entity tag for an assembled
// response and handles If-None-Match negotiation.
package conditionalcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bietiekay/overpass-proxy/internal/core/model"
)

// WeakETag computes a weak entity tag over the canonical JSON encoding of
// response. encoding/json already serializes map keys in sorted order,
// so two structurally-equal responses always hash to the same tag.
func WeakETag(response model.OverpassResponse) (string, error) {
	canonical, err := json.Marshal(response)
	if err != nil {
		return "", fmt.Errorf("canonicalize response: %w", err)
	}
	sum := sha1.Sum(canonical)
	return fmt.Sprintf(`W/"%s"`, hex.EncodeToString(sum[:])), nil
}

// ApplyConditional sets the ETag header on w and, if the request's
// If-None-Match lists that tag, writes 304 Not Modified with no body and
// returns true. Otherwise it returns false and the caller should still
// write the full body.
func ApplyConditional(w http.ResponseWriter, r *http.Request, response model.OverpassResponse) (handled bool, etag string, err error) {
	etag, err = WeakETag(response)
	if err != nil {
		return false, "", err
	}
	w.Header().Set("ETag", etag)

	for _, candidate := range strings.Split(r.Header.Get("If-None-Match"), ",") {
		if strings.TrimSpace(candidate) == etag {
			w.WriteHeader(http.StatusNotModified)
			return true, etag, nil
		}
	}
	return false, etag, nil
}

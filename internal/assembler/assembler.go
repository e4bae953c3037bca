// Package assembler merges a set of Overpass tile payloads into a single
// response: deduplicating elements by (kind, id), bbox-filtering nodes,
// and cloning element data so the result shares no mutable state with
// its inputs.
package assembler

import "github.com/bietiekay/overpass-proxy/internal/core/model"

// Combine merges payloads into one OverpassResponse. The envelope
// (version/generator/osm3s) is taken from the first payload and deep
// cloned. Later duplicate elements (by kind, id) overwrite earlier ones;
// ways and relations are kept unconditionally, nodes outside bbox (or
// with non-numeric coordinates) are dropped.
func Combine(payloads []model.OverpassResponse, bbox model.BoundingBox) model.OverpassResponse {
	var envelope model.OverpassResponse
	if len(payloads) > 0 {
		envelope = payloads[0].CloneEnvelope()
	}

	byKey := make(map[model.ElementKey]model.OverpassElement)
	order := make([]model.ElementKey, 0, 64)

	for _, p := range payloads {
		for _, e := range p.Elements {
			k := e.Key()
			if _, existed := byKey[k]; !existed {
				order = append(order, k)
			}
			byKey[k] = e.Clone()
		}
	}

	out := make([]model.OverpassElement, 0, len(order))
	for _, k := range order {
		e := byKey[k]
		if e.Type == model.KindNode {
			if e.Lat == nil || e.Lon == nil {
				continue
			}
			if !bbox.Contains(*e.Lat, *e.Lon) {
				continue
			}
		}
		out = append(out, e)
	}

	envelope.Elements = out
	return envelope
}

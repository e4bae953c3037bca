// Package query classifies a raw Overpass QL query: whether it asks for
// JSON output, whether it filters by amenity, and what bounding box and
// amenity value it names. All four functions are pure and operate on the
// query text alone.
package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/bietiekay/overpass-proxy/internal/core/model"
)

var (
	jsonOutputRe = regexp.MustCompile(`(?i)out\s*:\s*json`)
	amenityKeyRe = regexp.MustCompile(`(?i)\[\s*(?:"amenity"|'amenity'|amenity)\s*=`)
	amenityValRe = regexp.MustCompile(`(?i)\[\s*(?:"amenity"|'amenity'|amenity)\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\]\s]+))\s*\]`)
	bboxDirectiveRe = regexp.MustCompile(`(?i)\[\s*bbox\s*:\s*([^\]]*)\]`)
	parenGroupRe    = regexp.MustCompile(`\(([^()]*)\)`)
	numberRe        = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

// HasJSONOutput reports whether q names "out:json" (whitespace around the
// colon is tolerated), matched anywhere in the query text.
func HasJSONOutput(q string) bool {
	return jsonOutputRe.MatchString(q)
}

// HasAmenityFilter reports whether q contains an [amenity...] predicate,
// tolerating single, double, or unquoted key spelling.
func HasAmenityFilter(q string) bool {
	return amenityKeyRe.MatchString(stripComments(q))
}

// ExtractAmenityValue returns the value inside an ["amenity"="<value>"]
// predicate (accepting single, double, or bare-word quoting) after
// stripping comments. An empty value yields no result.
func ExtractAmenityValue(q string) (model.AmenityKey, bool) {
	m := amenityValRe.FindStringSubmatch(stripComments(q))
	if m == nil {
		return "", false
	}
	raw := firstNonEmptyGroup(m[1], m[2], m[3])
	key := model.NormalizeAmenity(raw)
	if key == "" {
		return "", false
	}
	return key, true
}

// ExtractBoundingBox locates the query's bounding box: first a [bbox:...]
// directive, then (failing that, or if malformed) the first parenthesized
// tuple containing exactly four numbers. Order is (south, west, north,
// east).
func ExtractBoundingBox(q string) (model.BoundingBox, bool) {
	clean := stripComments(q)

	if m := bboxDirectiveRe.FindStringSubmatch(clean); m != nil {
		if bb, ok := parseFourNumbers(m[1]); ok {
			return bb, true
		}
		// malformed directive content falls through to tuple scanning
	}

	for _, m := range parenGroupRe.FindAllStringSubmatch(clean, -1) {
		if bb, ok := parseFourNumbers(m[1]); ok {
			return bb, true
		}
	}
	return model.BoundingBox{}, false
}

func parseFourNumbers(s string) (model.BoundingBox, bool) {
	nums := numberRe.FindAllString(s, -1)
	if len(nums) != 4 {
		return model.BoundingBox{}, false
	}
	vals := make([]float64, 4)
	for i, n := range nums {
		v, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return model.BoundingBox{}, false
		}
		vals[i] = v
	}
	return model.BoundingBox{South: vals[0], West: vals[1], North: vals[2], East: vals[3]}, true
}

// stripComments removes /* */, //, --, and # comments from the query text.
func stripComments(q string) string {
	q = blockCommentRe.ReplaceAllString(q, " ")
	lines := strings.Split(q, "\n")
	for i, line := range lines {
		line = stripLineComment(line, "//")
		line = stripLineComment(line, "--")
		line = stripLineComment(line, "#")
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

func stripLineComment(line, marker string) string {
	if idx := strings.Index(line, marker); idx >= 0 {
		return line[:idx]
	}
	return line
}

func firstNonEmptyGroup(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

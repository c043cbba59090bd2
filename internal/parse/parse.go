// Package parse normalizes model-generated values into typed data. Generation
// output is not contractually shaped: enums arrive with trailing prose, numbers
// as strings or fractions, objects half-filled. Every function here is total:
// it returns a conservative fallback instead of failing, so one malformed field
// never aborts a pipeline run.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"
)

// synonyms maps normalized off-vocabulary values the model commonly emits to
// their canonical forms. Applied only when the canonical form is allowed.
var synonyms = map[string]string{
	"medium":       "significant",
	"moderate":     "significant",
	"mid":          "significant",
	"very high":    "high",
	"very low":     "low",
	"hi":           "high",
	"lo":           "low",
	"h":            "high",
	"m":            "medium",
	"l":            "low",
	"major":        "breakthrough",
	"minor":        "incremental",
	"novel":        "breakthrough",
	"conventional": "incremental",
}

var trailingAnnotation = regexp.MustCompile(`\s*[-:(].*$`)

// Enum coerces raw into one of allowed, falling back when nothing matches.
// Matching order: strip trailing annotation, normalize case, exact match,
// synonym table, prefix match. fallback should itself be a member of allowed.
func Enum(raw any, allowed []string, fallback string) string {
	s, ok := asString(raw)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	if stripped := strings.TrimSpace(trailingAnnotation.ReplaceAllString(s, "")); stripped != "" {
		s = stripped
	}
	s = strings.ToLower(s)
	for _, v := range allowed {
		if s == strings.ToLower(v) {
			return v
		}
	}
	if canon, ok := synonyms[s]; ok {
		for _, v := range allowed {
			if canon == strings.ToLower(v) {
				return v
			}
		}
	}
	if s != "" {
		for _, v := range allowed {
			lv := strings.ToLower(v)
			if strings.HasPrefix(lv, s) || strings.HasPrefix(s, lv) {
				return v
			}
		}
	}
	return fallback
}

var embeddedNumber = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// Number coerces raw into a float clamped to [lo, hi]. Native numbers,
// json.Number, numeric strings, and strings with an embedded number ("3/5",
// "score: 7") all work; anything else yields fallback (also clamped).
func Number(raw any, fallback, lo, hi float64) float64 {
	if f, ok := asFloat(raw); ok {
		return clamp(f, lo, hi)
	}
	if s, ok := asString(raw); ok {
		if m := embeddedNumber.FindString(s); m != "" {
			var f float64
			if err := json.Unmarshal([]byte(m), &f); err == nil {
				return clamp(f, lo, hi)
			}
		}
	}
	return clamp(fallback, lo, hi)
}

// Bool coerces raw into a boolean. Only an explicit affirmative flips the
// value away from a false fallback; "claim less" is the bias for flags like
// novelty.
func Bool(raw any, fallback bool) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1":
			return true
		case "false", "no", "n", "0":
			return false
		}
	case float64:
		if v == 0 || v == 1 {
			return v == 1
		}
	}
	return fallback
}

// String coerces raw into a trimmed string, or fallback when raw is not
// string-like or is empty.
func String(raw any, fallback string) string {
	s, ok := asString(raw)
	if !ok {
		return fallback
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

// OptionalObject decodes raw into T via a JSON round-trip. Absence (ok=false)
// is returned for nil, non-objects, empty objects, and values that fail the
// validate hook, and is distinct from T's zero value.
func OptionalObject[T any](raw any, validate func(T) error) (T, bool) {
	var out T
	m, ok := raw.(map[string]any)
	if !ok || len(m) == 0 {
		return out, false
	}
	b, err := json.Marshal(m)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(b, &out); err != nil {
		var zero T
		return zero, false
	}
	if validate != nil {
		if err := validate(out); err != nil {
			var zero T
			return zero, false
		}
	}
	return out, true
}

// Collection parses each element of raw with item, silently discarding
// elements item rejects. A non-slice raw yields an empty (non-nil) result.
func Collection[T any](raw any, item func(any) (T, bool)) []T {
	out := []T{}
	items, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, el := range items {
		if el == nil {
			continue
		}
		if v, ok := item(el); ok {
			out = append(out, v)
		}
	}
	return out
}

// Object returns raw as a generic map, or nil when raw is not an object.
func Object(raw any) map[string]any {
	m, _ := raw.(map[string]any)
	return m
}

// StringList parses raw as a list of non-empty strings.
func StringList(raw any) []string {
	return Collection(raw, func(el any) (string, bool) {
		s, ok := asString(el)
		s = strings.TrimSpace(s)
		return s, ok && s != ""
	})
}

func asString(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

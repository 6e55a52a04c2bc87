package telemetry

import (
	"math"
	"strings"
)

// aliasGroups folds the field-name aliases spec §4.D lists to their
// canonical name. Order within a group doesn't matter; canonical is the
// map key.
var aliasGroups = map[string][]string{
	"lat":       {"lat", "latitude"},
	"lng":       {"lng", "longitude", "lon"},
	"altitude":  {"alt", "altitude"},
	"heading":   {"bearing", "heading"},
	"timestamp": {"time", "timestamp"},
}

// normalizeFields rewrites any alias key in raw to its canonical name,
// without touching fields that aren't part of an alias group (deviceId,
// userId, name, email, speed, accuracy pass through unchanged).
func normalizeFields(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	for canonical, aliases := range aliasGroups {
		if _, has := out[canonical]; has {
			continue
		}
		for _, alias := range aliases {
			if alias == canonical {
				continue
			}
			if matchedKey, v, ok := findCaseInsensitive(out, alias); ok {
				out[canonical] = v
				if matchedKey != canonical {
					delete(out, matchedKey)
				}
				break
			}
		}
	}
	return out
}

func findCaseInsensitive(m map[string]any, key string) (string, any, bool) {
	if v, ok := m[key]; ok {
		return key, v, true
	}
	lower := strings.ToLower(key)
	for k, v := range m {
		if strings.ToLower(k) == lower {
			return k, v, true
		}
	}
	return "", nil, false
}

// normalizeHeading wraps a heading value into [0, 360) per spec §4.D
// ("normalize with wrap-around"): 370 -> 10, -5 -> 355.
func normalizeHeading(h float64) float64 {
	const full = 360.0
	h = math.Mod(h, full)
	if h < 0 {
		h += full
	}
	return h
}

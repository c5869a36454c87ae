// Package routing derives routing keys from geography and matches them
// against topic binding patterns.
//
// Keys are dot-separated words. In a pattern, "*" matches exactly one word
// and "#" matches zero or more words.
package routing

import "strings"

const (
	// DevicePrefix prefixes keys of readings published by devices
	DevicePrefix = "ocean.data"
	// ServerPrefix prefixes keys of batches published by aggregators
	ServerPrefix = "server.data"

	// Any matches exactly one word
	Any = "*"
	// Rest matches zero or more words
	Rest = "#"
)

var normalizer = strings.NewReplacer("-", "_", " ", "_")

// Normalize turns a geographic name into a single key word
func Normalize(s string) string {
	return normalizer.Replace(strings.ToLower(strings.TrimSpace(s)))
}

// DeviceKey returns the key a device publishes readings with,
// e.g. DeviceKey("Atlantic", "Coastal-Shelf") == "ocean.data.atlantic.coastal_shelf"
func DeviceKey(ocean, areaType string) string {
	return DevicePrefix + "." + Normalize(ocean) + "." + Normalize(areaType)
}

// FallbackDeviceKey is used by devices that have no geography configured
func FallbackDeviceKey(wavyID string) string {
	return DevicePrefix + "." + Normalize(wavyID)
}

// AggregatorPattern returns the binding pattern of an aggregator. An empty
// ocean or area type matches any value in that position.
func AggregatorPattern(ocean, areaType string) string {
	o, a := Normalize(ocean), Normalize(areaType)
	if o == "" {
		o = Any
	}
	if a == "" {
		a = Any
	}
	return DevicePrefix + "." + o + "." + a
}

// ServerKey returns the key batches for a continent are published with
func ServerKey(continentCode string) string {
	return ServerPrefix + "." + strings.ToLower(continentCode)
}

// Match reports whether key matches pattern
func Match(pattern, key string) bool {
	return match(strings.Split(pattern, "."), strings.Split(key, "."))
}

func match(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case Rest:
			rest := pattern[1:]
			// collapse consecutive #
			for len(rest) > 0 && rest[0] == Rest {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if match(rest, key[i:]) {
					return true
				}
			}
			return false
		case Any:
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || pattern[0] != key[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// Segments splits a key or pattern into words
func Segments(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

// IsLiteral reports whether pattern contains no wildcards
func IsLiteral(pattern string) bool {
	for _, seg := range Segments(pattern) {
		if seg == Any || seg == Rest {
			return false
		}
	}
	return true
}

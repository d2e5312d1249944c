// Package platform canonicalizes printer hardware platform strings.
//
// The fleet standardizes on dashed ESP32 variants (esp32-c3, esp32-s3) while
// accepting historical spellings like esp32c3 or esp32_s3 from older
// firmware builds.
package platform

import (
	"regexp"
	"strings"
)

var esp32Pattern = regexp.MustCompile(`^esp32([-_]?[a-z0-9]+)?$`)

// Normalize returns the canonical form of a platform string: lowercased,
// trimmed, with ESP32 family suffixes joined by a dash. esp8266 passes
// through unchanged, as does any string outside the ESP32 family. Empty or
// whitespace-only input normalizes to "".
func Normalize(p string) string {
	value := strings.ToLower(strings.TrimSpace(p))
	if value == "" {
		return ""
	}

	m := esp32Pattern.FindStringSubmatch(value)
	if m == nil {
		return value
	}

	suffix := strings.TrimLeft(m[1], "-_")
	if suffix == "" {
		return "esp32"
	}
	return "esp32-" + suffix
}

// Variants returns every accepted spelling of a platform for matching
// against stored values: the canonical form first, then the no-separator and
// underscore forms for ESP32 family platforms. Order is stable and entries
// are unique.
func Variants(p string) []string {
	canonical := Normalize(p)
	if canonical == "" {
		return nil
	}

	variants := []string{canonical}
	if suffix, ok := strings.CutPrefix(canonical, "esp32-"); ok {
		variants = append(variants, "esp32"+suffix, "esp32_"+suffix)
	}

	seen := make(map[string]bool, len(variants))
	out := variants[:0]
	for _, v := range variants {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

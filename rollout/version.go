package rollout

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

func parseSemverVersion(raw string) *semver.Version {
	trimmed := strings.TrimSpace(strings.TrimPrefix(raw, "v"))
	if trimmed == "" {
		return nil
	}
	ver, err := semver.NewVersion(trimmed)
	if err != nil {
		return nil
	}
	return ver
}

// CompareVersions orders firmware version strings. Well-formed semver is
// compared semantically; anything else falls back to dotted-integer
// comparison, segment by segment, with missing segments treated as zero.
// An empty version sorts below everything.
func CompareVersions(a, b string) int {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}

	if va, vb := parseSemverVersion(a), parseSemverVersion(b); va != nil && vb != nil {
		return va.Compare(vb)
	}

	return compareDotted(a, b)
}

func compareDotted(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, aOK := atoiSegment(sa)
		nb, bOK := atoiSegment(sb)
		if aOK && bOK {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if cmp := strings.Compare(sa, sb); cmp != 0 {
			return cmp
		}
	}
	return 0
}

func atoiSegment(s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

package update

import (
	"strconv"
	"strings"
)

// Version strings in the wild arrive as "8.5.0", "v1.2.3-beta" or
// "version 1.0.0.1234". Normalization is a fixed grammar: strip a known
// prefix, drop any pre-release suffix after a hyphen, split on '.', keep the
// leading numeric run of each component and stop at the first component
// without one, pad with zero components to at least two and keep at most
// four. A string that normalizes to nothing is treated as "no version".

var versionPrefixes = []string{"version", "ver", "v"}

// normalizeVersion returns the numeric components of s, or nil when s has no
// usable leading component.
func normalizeVersion(s string) []int {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, prefix := range versionPrefixes {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		s = s[:idx]
	}

	var comps []int
	for _, part := range strings.Split(s, ".") {
		run := leadingDigits(part)
		if run == "" {
			break
		}
		n, err := strconv.Atoi(run)
		if err != nil {
			break
		}
		comps = append(comps, n)
		if len(comps) == 4 {
			break
		}
	}
	if len(comps) == 0 {
		return nil
	}
	for len(comps) < 2 {
		comps = append(comps, 0)
	}
	return comps
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	// Cap the run so absurd inputs cannot overflow the component.
	if end > 9 {
		end = 9
	}
	return s[:end]
}

// IsNewer reports whether latest is strictly greater than current under the
// normalized ordering. Malformed or missing versions yield false ("no
// update"), never an error.
func IsNewer(latest, current string) bool {
	return compareVersions(latest, current) > 0
}

// compareVersions returns >0 when a orders after b, <0 when before, 0 when
// equal after normalization or when either side is malformed.
func compareVersions(a, b string) int {
	av := normalizeVersion(a)
	bv := normalizeVersion(b)
	if av == nil || bv == nil {
		return 0
	}
	n := len(av)
	if len(bv) > n {
		n = len(bv)
	}
	for i := 0; i < n; i++ {
		var ac, bc int
		if i < len(av) {
			ac = av[i]
		}
		if i < len(bv) {
			bc = bv[i]
		}
		if ac != bc {
			if ac > bc {
				return 1
			}
			return -1
		}
	}
	return 0
}

// Package pep440 orders Python package version strings.
//
// Versions are coerced into semver for comparison: the numeric release
// segment maps directly, and pre-release markers (a/b/rc/dev) map onto
// semver pre-release identifiers so that "1.0.0a1" sorts before "1.0.0".
// Strings that cannot be coerced compare lexically, after every version
// that could.
package pep440

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// versionRe splits a version into its numeric release segment and an
// optional trailing pre-release marker.
var versionRe = regexp.MustCompile(`^v?(\d+(?:\.\d+)*)(?:[._-]?(a|b|c|rc|alpha|beta|pre|preview|dev)[._-]?(\d*))?$`)

// Version is a parsed, comparable version. The zero value is not valid; use
// Parse.
type Version struct {
	raw string
	sv  *semver.Version
}

// Parse normalizes raw into a comparable Version. It never fails: an
// uncoercible string yields a Version that compares lexically.
func Parse(raw string) Version {
	v := Version{raw: raw}
	m := versionRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(raw)))
	if m == nil {
		return v
	}

	parts := strings.Split(m[1], ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	// Release segments beyond the third are dropped for the semver
	// comparison; equal triples fall back to comparing the raw strings.
	canonical := strings.Join(parts[:3], ".")
	if m[2] != "" {
		num := m[3]
		if num == "" {
			num = "0"
		}
		canonical += "-" + m[2] + "." + num
	}

	sv, err := semver.NewVersion(canonical)
	if err != nil {
		return v
	}
	v.sv = sv
	return v
}

// String returns the original version string.
func (v Version) String() string { return v.raw }

// Compare returns -1, 0 or 1 ordering v against o. Coercible versions sort
// before uncoercible ones.
func (v Version) Compare(o Version) int {
	switch {
	case v.sv != nil && o.sv != nil:
		if c := v.sv.Compare(o.sv); c != 0 {
			return c
		}
		return strings.Compare(v.raw, o.raw)
	case v.sv != nil:
		return -1
	case o.sv != nil:
		return 1
	default:
		return strings.Compare(v.raw, o.raw)
	}
}

// CompareRelease orders only the coerced release component, ignoring the
// raw-string tie-break: "2.0" and "2.0.0" compare equal. Callers use this
// when equal normalized versions need a different tie-break (upload time).
func (v Version) CompareRelease(o Version) int {
	switch {
	case v.sv != nil && o.sv != nil:
		return v.sv.Compare(o.sv)
	case v.sv != nil:
		return -1
	case o.sv != nil:
		return 1
	default:
		return strings.Compare(v.raw, o.raw)
	}
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

// Compare orders two raw version strings.
func Compare(a, b string) int {
	return Parse(a).Compare(Parse(b))
}

// NormalizeName applies PEP 503 project name normalization: lowercase, with
// runs of "-", "_" and "." collapsed to a single "-".
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	prevSep := false
	for _, r := range strings.ToLower(name) {
		if r == '-' || r == '_' || r == '.' {
			prevSep = true
			continue
		}
		if prevSep && b.Len() > 0 {
			b.WriteByte('-')
		}
		prevSep = false
		b.WriteRune(r)
	}
	return b.String()
}

// MustParse is a convenience for fixed version literals in tests.
func MustParse(raw string) Version {
	v := Parse(raw)
	if v.sv == nil {
		panic(fmt.Sprintf("pep440: uncoercible version %q", raw))
	}
	return v
}

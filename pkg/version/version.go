// Package version compares bundle and prototype versions.
//
// Versions are free-form strings such as "1.0", "2.3.1-rc1" or "7.2_b3".
// They are compared segment by segment the way rpm compares package
// versions: runs of digits compare numerically, runs of letters compare
// lexically, a numeric segment is newer than an alphabetic one, and a
// version with more segments is newer when all shared segments are equal.
package version

import (
	"strings"
	"unicode"

	"github.com/cuemby/adcm/pkg/types"
)

// Compare returns -1, 0 or 1 when a is older than, equal to or newer than b
func Compare(a, b string) int {
	if a == b {
		return 0
	}
	as, bs := segments(a), segments(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) > len(bs):
		return 1
	case len(as) < len(bs):
		return -1
	}
	return 0
}

// segments splits a version into alternating digit and letter runs;
// every other character is a separator
func segments(v string) []string {
	var out []string
	var cur strings.Builder
	kind := 0 // 1 digit, 2 letter
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, r := range v {
		var k int
		switch {
		case unicode.IsDigit(r):
			k = 1
		case unicode.IsLetter(r):
			k = 2
		default:
			flush()
			kind = 0
			continue
		}
		if k != kind {
			flush()
			kind = k
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}

func isNumeric(s string) bool {
	return s != "" && unicode.IsDigit(rune(s[0]))
}

func compareSegment(a, b string) int {
	an, bn := isNumeric(a), isNumeric(b)
	switch {
	case an && !bn:
		return 1
	case !an && bn:
		return -1
	case an && bn:
		a = strings.TrimLeft(a, "0")
		b = strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) > len(b) {
				return 1
			}
			return -1
		}
	}
	return strings.Compare(a, b)
}

// InRange reports whether v satisfies the range. An empty bound is open;
// strict bounds exclude the bound itself.
func InRange(v string, r types.VersionRange) bool {
	if r.Min != "" {
		c := Compare(v, r.Min)
		if c < 0 || (r.MinStrict && c == 0) {
			return false
		}
	}
	if r.Max != "" {
		c := Compare(v, r.Max)
		if c > 0 || (r.MaxStrict && c == 0) {
			return false
		}
	}
	return true
}

// Describe renders a range for messages, e.g. "[1.0, 2.0)"
func Describe(r types.VersionRange) string {
	var b strings.Builder
	if r.MinStrict {
		b.WriteString("(")
	} else {
		b.WriteString("[")
	}
	if r.Min == "" {
		b.WriteString("*")
	} else {
		b.WriteString(r.Min)
	}
	b.WriteString(", ")
	if r.Max == "" {
		b.WriteString("*")
	} else {
		b.WriteString(r.Max)
	}
	if r.MaxStrict {
		b.WriteString(")")
	} else {
		b.WriteString("]")
	}
	return b.String()
}

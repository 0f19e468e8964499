// Package names implements registry package name normalization.
//
// The registry treats names as case-insensitive and makes no distinction
// between `-` and `_`. Every lookup keyed by package name (queue entries,
// blacklist, sandbox overrides, priority rules) goes through Normalize so
// that "Foo-Bar" and "foo_bar" resolve to the same records.
package names

import "strings"

// Normalize folds a package name to its canonical registry form:
// lower-case, with underscores collapsed to hyphens.
func Normalize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '_':
			return '-'
		default:
			return r
		}
	}, strings.TrimSpace(name))
}

// Equivalent reports whether two names normalize to the same package.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// Package scope decides whether a set of granted scopes satisfies a required
// scope.
package scope

import "strings"

// Admin grants access to every scope.
const Admin = "*"

const wildcard = "*"

// Satisfies reports whether granted covers required. Precedence: the global
// admin scope, an exact match, then any wildcard entry whose text before the
// "*" is a prefix of required. Matching is case-sensitive.
func Satisfies(granted []string, required string) bool {
	for _, g := range granted {
		if g == Admin {
			return true
		}
	}
	for _, g := range granted {
		if g == required {
			return true
		}
	}
	for _, g := range granted {
		if !strings.Contains(g, wildcard) {
			continue
		}
		if strings.HasPrefix(required, strings.ReplaceAll(g, wildcard, "")) {
			return true
		}
	}
	return false
}

// Category returns the part of a scope before the first ":".
func Category(s string) string {
	category, _, _ := strings.Cut(s, ":")
	return category
}

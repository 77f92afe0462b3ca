package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeName trims surrounding whitespace from a display name.
// Internal whitespace and case are preserved.
func NormalizeName(s string) string {
	return strings.TrimSpace(s)
}

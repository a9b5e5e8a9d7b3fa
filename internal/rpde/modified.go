// Package rpde implements the Realtime Paged Data Exchange protocol
// client: page fetching with retry and the decimal comparison rules for
// feed-supplied modified values.
package rpde

import "strings"

// CompareModified orders two modified values given as decimal strings.
// Feeds may emit integers beyond 2^53, so values are never parsed into a
// float: after stripping leading zeros, the longer string is the larger
// number, and equal-length strings compare lexicographically.
// Returns -1, 0 or 1.
func CompareModified(a, b string) int {
	a = trimLeadingZeros(a)
	b = trimLeadingZeros(b)
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return strings.Compare(a, b)
}

// MaxModified returns the larger of two modified values.
func MaxModified(a, b string) string {
	if CompareModified(a, b) >= 0 {
		return a
	}
	return b
}

func trimLeadingZeros(s string) string {
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return "0"
	}
	return trimmed
}

// Package tokens estimates token counts for budget arithmetic. The estimate
// is the usual 4-bytes-per-token rule: deterministic, monotonic in length,
// and stable under concatenation to within one token.
package tokens

// Count returns the estimated token count of s. The empty string is zero
// tokens; everything else rounds up.
func Count(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// CountAll sums the counts of each string individually.
func CountAll(parts ...string) int {
	total := 0
	for _, p := range parts {
		total += Count(p)
	}
	return total
}

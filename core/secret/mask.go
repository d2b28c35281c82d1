package secret

import "strings"

// Mask returns a printable form of a secret for logs.
// Secrets of five characters or fewer are fully masked; up to twenty characters
// keep the first and last character; longer secrets keep the first three and
// the last one.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}

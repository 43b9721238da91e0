package utils

import "strings"

// MaskSecret keeps the first four characters of long secrets so two keys can still be told apart.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", 5)
	}
	return s[:4] + strings.Repeat("*", 5)
}

package notify

import "unicode/utf8"

// truncRunes returns s cut to at most n runes, ending in "…" when cut.
// Telegram counts its text limit in characters, not bytes.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

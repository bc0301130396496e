package logutil

import "strings"

// SanitizeForLog removes newlines and control characters from user-provided
// strings (session ids, close reasons, hostnames) so a malicious client
// cannot inject fake log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

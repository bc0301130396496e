package client

import "regexp"

// ansiEscape matches CSI and OSC escape sequences so prompt detection sees
// the plain text a user would.
var ansiEscape = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\))`)

// promptPattern matches typical shell prompt tails: a path or user@host
// fragment ending in $, #, % or > followed by at most one space at the end
// of the chunk. A fuzzy heuristic, tuned rather than exact.
var promptPattern = regexp.MustCompile(`[$#%>] ?$`)

func stripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// looksLikePrompt reports whether the chunk plausibly ends with a shell
// prompt, after stripping ANSI color/cursor sequences.
func looksLikePrompt(chunk string) bool {
	plain := stripANSI(chunk)
	// Trailing carriage returns and NULs get in the way of the tail match.
	for len(plain) > 0 {
		c := plain[len(plain)-1]
		if c == '\r' || c == '\n' || c == 0 {
			plain = plain[:len(plain)-1]
			continue
		}
		break
	}
	return promptPattern.MatchString(plain)
}

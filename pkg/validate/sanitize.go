package validate

import (
	"regexp"
	"strings"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// SanitizeString escapes the characters that matter for HTML injection.
// The ampersand is replaced first so already-escaped entities stay intact
// only once.
func SanitizeString(s string) string {
	return htmlEscaper.Replace(s)
}

// sqlPatterns is a deliberately conservative denylist. A match is a
// secondary signal for logging and rate decisions, never the sole gate:
// parameterized access is the primary defense.
var sqlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
	regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|alter|truncate)\b.*\b(from|into|table)\b`),
	regexp.MustCompile(`(?i)['"]\s*(or|and)\s+['"]?\d+['"]?\s*=\s*['"]?\d+`),
	regexp.MustCompile(`(?i);\s*(drop|delete|truncate|shutdown)\b`),
	regexp.MustCompile(`(?i)\bexec(ute)?\s*\(`),
	regexp.MustCompile(`--\s*$`),
}

// ContainsSQLInjection reports whether s matches the denylist.
func ContainsSQLInjection(s string) bool {
	for _, p := range sqlPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

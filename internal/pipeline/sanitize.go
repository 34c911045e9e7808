package pipeline

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxErrorLength caps sanitized error messages, in runes.
const MaxErrorLength = 500

var strictPolicy = bluemonday.StrictPolicy()

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/\s:@]+:[^/\s@]+@`), "${1}[redacted]@"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [redacted]"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|key|token|secret|password)=[^\s&"']+`), "${1}=[redacted]"},
	{regexp.MustCompile(`(^|[\s"'(=])(?:/[A-Za-z0-9._@+-]+){2,}/?`), "${1}[path]"},
}

// Sanitize makes an internal error message safe to stream to a client. It
// strips markup, redacts credentials and absolute paths, and caps the length.
func Sanitize(msg string) string {
	msg = html.UnescapeString(strictPolicy.Sanitize(msg))
	for _, r := range redactions {
		msg = r.re.ReplaceAllString(msg, r.repl)
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "generation failed"
	}
	if utf8.RuneCountInString(msg) > MaxErrorLength {
		runes := []rune(msg)
		msg = string(runes[:MaxErrorLength]) + "..."
	}
	return msg
}

package normalize

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// strict removes every tag; script and style content is dropped.
	strict = bluemonday.StrictPolicy()

	blockBreak   = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|tr|h[1-6]|blockquote|table)>`)
	inlineSpaces = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText converts a rich-text body to plain text, keeping block
// boundaries as line breaks.
func HTMLToText(body string) string {
	withBreaks := blockBreak.ReplaceAllString(body, "$0\n")
	stripped := strict.Sanitize(withBreaks)
	return CleanText(html.UnescapeString(stripped))
}

// CleanText normalizes line endings and whitespace and replaces invalid
// UTF-8.
func CleanText(body string) string {
	body = strings.ToValidUTF8(body, "�")
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(inlineSpaces.ReplaceAllString(line, " "))
	}
	body = strings.Join(lines, "\n")
	body = blankLines.ReplaceAllString(body, "\n\n")

	return strings.TrimSpace(body)
}

// Excerpt truncates body to at most n runes, appending an ellipsis when
// anything was cut.
func Excerpt(body string, n int) string {
	if n <= 0 {
		return body
	}
	runes := []rune(body)
	if len(runes) <= n {
		return body
	}
	return strings.TrimSpace(string(runes[:n])) + "…"
}

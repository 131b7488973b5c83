package telegram

import (
	"regexp"
	"strings"
)

// Telegram's legacy markdown understands *bold*, _italic_, `code` and
// ```blocks``` only. Everything else has to be rewritten or stripped.
var (
	// # Header -> *Header*
	headerRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	// **bold** -> *bold*
	doubleBoldRe = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	// [text](url) -> text (url); links are not part of the dialect
	linkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	// table rows, wrapped in a code block for monospace alignment
	tableRe = regexp.MustCompile(`(?m)((?:^\|.+\|$\n?)+)`)
	// collapse runs of blank lines
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// convertToTelegramMarkdown rewrites standard markdown into Telegram's
// limited subset.
func convertToTelegramMarkdown(text string) string {
	result := text

	result = tableRe.ReplaceAllStringFunc(result, func(table string) string {
		if strings.Contains(table, "```") {
			return table
		}
		return "```\n" + strings.TrimSpace(table) + "\n```"
	})

	result = doubleBoldRe.ReplaceAllString(result, "*$1*")
	result = headerRe.ReplaceAllString(result, "*$1*")
	result = linkRe.ReplaceAllString(result, "$1 ($2)")

	result = multiNewlineRe.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}

package store

import "strings"

const (
	maxTitleRunes = 50
	titleEllipsis = "..."
)

// DeriveTitle builds a session title from the first user message.
func DeriveTitle(message string) string {
	text := strings.TrimSpace(strings.ReplaceAll(message, "\n", " "))
	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes]) + titleEllipsis
	}
	return text
}

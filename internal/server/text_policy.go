package server

import "strings"

const (
	maxUserWords                = 1000
	maxResponseWords            = 1500
	maxConversationUserMessages = 8
)

func wordCount(text string) int {
	return len(strings.Fields(text))
}

func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// truncateWords keeps the input untouched below the limit and never splits
// mid-word; over the limit it rejoins the first maxWords tokens with single
// spaces.
func truncateWords(text string, maxWords int) string {
	words := strings.Fields(text)
	if len(words) <= maxWords {
		return text
	}
	return strings.Join(words[:maxWords], " ")
}

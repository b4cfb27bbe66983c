package chat

import "strings"

const (
	DefaultTitle   = "New Conversation"
	titleMaxLength = 50
)

// DeriveTitle turns the first message of a conversation into its title.
func DeriveTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return DefaultTitle
	}
	runes := []rune(text)
	if len(runes) <= titleMaxLength {
		return text
	}
	return string(runes[:titleMaxLength]) + "..."
}

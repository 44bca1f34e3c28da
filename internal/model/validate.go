package model

import (
	"strings"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

// MaxTextLength is the longest accepted message text, in characters.
const MaxTextLength = 2000

// ValidateText trims text and checks it is a sendable message body.
func ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", chaterr.Validationf("message cannot be empty")
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return "", chaterr.Validationf("message too long (max %d characters)", MaxTextLength)
	}
	return text, nil
}

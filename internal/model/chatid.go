package model

import (
	"slices"
	"strings"

	"github.com/matheus3301/chatsync/internal/chaterr"
)

const chatIDSeparator = "_"

// ChatID returns the id of the chat between a and b. It is commutative and
// never needs a store round trip.
func ChatID(a, b string) string {
	ids := []string{a, b}
	slices.Sort(ids)
	return strings.Join(ids, chatIDSeparator)
}

// ValidateParticipants checks that a and b can share a chat.
func ValidateParticipants(a, b string) error {
	switch {
	case a == "" || b == "":
		return chaterr.Validationf("participant id is empty")
	case a == b:
		return chaterr.Validationf("participants must differ")
	case strings.Contains(a, chatIDSeparator) || strings.Contains(b, chatIDSeparator):
		return chaterr.Validationf("participant id must not contain %q", chatIDSeparator)
	}
	return nil
}

package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const MaxChatLen = 1000

type ChatMessage struct {
	ID          string `json:"id"`
	RoomID      RoomID `json:"roomId"`
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text"`
	AtMs        int64  `json:"atMs"`
}

// NormalizeChat trims text and rejects empty or oversized messages.
func NormalizeChat(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty message", ErrBadPayload)
	}
	if utf8.RuneCountInString(text) > MaxChatLen {
		return "", fmt.Errorf("%w: message longer than %d", ErrBadPayload, MaxChatLen)
	}
	return text, nil
}

// Package domain contains room entities, the mutations that change them and
// the error taxonomy shared by every layer.
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxUserIDLen      = 64
	MaxDisplayNameLen = 36
)

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

type UserID string

// Identity is what the verifier yields for a valid credential.
type Identity struct {
	ID      UserID `json:"id"`
	Name    string `json:"displayName"`
	IsGuest bool   `json:"isGuest"`
}

// NewIdentity validates the id and normalizes the display name.
func NewIdentity(id, name string, guest bool) (Identity, error) {
	if id == "" {
		return Identity{}, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return Identity{}, ErrUserIDTooLong
	}
	return Identity{ID: UserID(id), Name: NormalizeName(name, id), IsGuest: guest}, nil
}

// NormalizeName trims the name and falls back when it is empty.
func NormalizeName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		name = string([]rune(name)[:MaxDisplayNameLen])
	}
	return name
}

// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxDisplayNameLen = 64
	MaxPictureLen     = 2048
	MaxChatMessageLen = 4000
)

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrPictureTooLong     = errors.New("picture url too long")
	ErrChatMessageEmpty   = errors.New("chat message empty")
	ErrChatMessageTooLong = errors.New("chat message too long")
)

type (
	RoomID string
	PeerID string
)

// Profile is the public identity a peer presents to the room.
type Profile struct {
	DisplayName string `json:"displayName"`
	Picture     string `json:"picture,omitempty"`
	Email       string `json:"-"`
}

func ValidateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}

func ValidatePicture(picture string) (string, error) {
	picture = strings.TrimSpace(picture)
	if len(picture) > MaxPictureLen {
		return "", ErrPictureTooLong
	}
	return picture, nil
}

func ValidateChatMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrChatMessageEmpty
	}
	if utf8.RuneCountInString(text) > MaxChatMessageLen {
		return "", ErrChatMessageTooLong
	}
	return text, nil
}

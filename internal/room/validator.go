package room

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxContentChars = 2000 // max character count
)

// ErrInvalidMessage marks content that fails validation. The operation is
// rejected before any persistence or broadcast.
var ErrInvalidMessage = errors.New("room: invalid message")

// ValidateContent checks that message content meets requirements.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidMessage, MaxMessageBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidMessage, MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidMessage)
	}
	return nil
}

package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // max raw size before trimming
	MaxContentChars = 1000 // max character count after trimming
)

// ValidateContent trims a submitted chat message and checks it against the
// content rules. It returns the trimmed content; the error is non-nil for
// anything that must not produce a broadcast (empty after trimming,
// oversized, invalid UTF-8).
func ValidateContent(content string) (string, error) {
	if len(content) > MaxContentBytes {
		return "", fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return "", fmt.Errorf("message contains invalid UTF-8")
	}
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", fmt.Errorf("message is empty")
	}
	if utf8.RuneCountInString(trimmed) > MaxContentChars {
		return "", fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	return trimmed, nil
}

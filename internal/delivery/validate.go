package delivery

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max frame payload
	MaxContentChars = 2000 // max character count
)

// validateContent checks that message or revelation content meets wire
// requirements before any stateful processing happens.
func validateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("content contains invalid UTF-8")
	}
	return nil
}

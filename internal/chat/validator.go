package chat

import (
	"fmt"
	"unicode/utf8"

	"github.com/emberapp/matchcore/internal/model"
)

const (
	MaxMessageBytes = 4096 // 4KB max content size
	MaxTextChars    = 2000 // max character count
	MaxURLBytes     = 2048
)

// ValidateMessage checks that a text body meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}

// ValidateContent checks a message body against its type. Text and surprise
// messages need content; media messages need a URL and may carry a caption.
func ValidateContent(t model.MessageType, content, mediaURL string) error {
	if !t.HasMedia() {
		return ValidateMessage(content)
	}
	if mediaURL == "" {
		return fmt.Errorf("%s message requires a media url", t)
	}
	if len(mediaURL) > MaxURLBytes {
		return fmt.Errorf("media url exceeds %d byte limit", MaxURLBytes)
	}
	if content != "" {
		return ValidateMessage(content)
	}
	return nil
}

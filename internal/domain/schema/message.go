package schema

import (
	"html"
	"strings"
	"time"
	"unicode"
)

// Message is a chat line on a channel. Deletion is soft: DeletedAt is set
// and list queries filter it out; no event is emitted on delete.
type Message struct {
	ID        string     `json:"id"`
	ChannelID int64      `json:"channel_id"`
	AuthorID  int64      `json:"author_id"`
	Content   string     `json:"content"`
	SentAt    time.Time  `json:"sent_at"`
	DeletedAt *time.Time `json:"-"`
}

// NormalizeContent trims, validates, and escapes a chat message body.
// Returns the escaped content and false when the message is empty after
// trimming, exceeds maxLen, or consists solely of control characters.
func NormalizeContent(raw string, maxLen int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if len([]rune(trimmed)) > maxLen {
		return "", false
	}
	printable := false
	for _, r := range trimmed {
		if !unicode.IsControl(r) {
			printable = true
			break
		}
	}
	if !printable {
		return "", false
	}
	return html.EscapeString(trimmed), true
}

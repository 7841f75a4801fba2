package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/errors"
)

// MaxContentRunes caps message content length.
const MaxContentRunes = 2000

// Message is one immutable entry in a scope's ordered history.
//
// SequenceIndex positions the message inside its scope: indices start at 1
// and increase by exactly one per successfully stored message. ReadBy only
// ever grows and never contains the sender.
type Message struct {
	ID            string
	Scope         ScopeKey
	SenderID      string
	Content       string
	CreatedAt     time.Time
	SequenceIndex uint64
	ReadBy        []string
}

// ReadByUser reports whether readerID has marked the message read.
func (m Message) ReadByUser(readerID string) bool {
	for _, reader := range m.ReadBy {
		if reader == readerID {
			return true
		}
	}
	return false
}

// UnreadFor reports whether the message counts as unread for readerID.
// A sender's own messages are never unread.
func (m Message) UnreadFor(readerID string) bool {
	if readerID == m.SenderID {
		return false
	}
	return !m.ReadByUser(readerID)
}

// ValidateContent normalizes and bounds message content.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", apperrors.New(apperrors.CodeMessageContentEmpty, "message content is required")
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return "", apperrors.New(apperrors.CodeMessageContentTooLong, "message content exceeds 2000 characters")
	}
	return content, nil
}

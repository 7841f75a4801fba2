// Package storage defines the persistence contracts for the messaging core.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
)

var (
	// ErrNotFound indicates a requested message record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// NewMessage carries the caller-supplied fields of a message before the
// store assigns its sequence index.
type NewMessage struct {
	ID        string
	Scope     domain.ScopeKey
	SenderID  string
	Content   string
	CreatedAt time.Time
}

// ScopeLatest pairs a scope with its most recent message.
type ScopeLatest struct {
	Scope  domain.ScopeKey
	Latest domain.Message
}

// MessageStore persists the append-only per-scope message log.
//
// AppendMessage allocates the scope's next sequence index and persists the
// record in one atomic step: two concurrent appends to the same scope never
// observe the same index, and a failed append leaves no trace. Appends to
// different scopes do not contend beyond the underlying engine's writer.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg NewMessage) (domain.Message, error)
	GetMessage(ctx context.Context, messageID string) (domain.Message, error)
	// PageBefore returns up to limit messages with sequence index strictly
	// below beforeIndex, newest first. beforeIndex zero means the latest page.
	PageBefore(ctx context.Context, scope domain.ScopeKey, beforeIndex uint64, limit int) ([]domain.Message, error)
	// LatestIndex returns the highest issued sequence index, zero for an
	// empty scope.
	LatestIndex(ctx context.Context, scope domain.ScopeKey) (uint64, error)
	// LatestPerScope returns the most recent message of each listed scope
	// that has at least one, ordered by message recency descending.
	LatestPerScope(ctx context.Context, scopes []domain.ScopeKey) ([]ScopeLatest, error)
}

// ReadStateStore persists per-recipient read acknowledgements.
type ReadStateStore interface {
	// MarkRead records that readerID has read the message. Repeat calls are
	// no-ops; marking a missing message returns ErrNotFound.
	MarkRead(ctx context.Context, messageID string, readerID string, readAt time.Time) error
	// CountUnread counts messages in scope that readerID neither sent nor
	// marked read.
	CountUnread(ctx context.Context, scope domain.ScopeKey, readerID string) (int, error)
}

// Store combines the messaging persistence surfaces.
type Store interface {
	MessageStore
	ReadStateStore
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/storage/sqlitemigrate"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/storage"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for the messaging core: the
// per-scope sequence counters, the append-only message log, and the
// per-recipient read state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a messaging SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows a single writer; one pooled connection keeps concurrent
	// appends queued in the pool instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := ensureForeignKeysEnabled(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func ensureForeignKeysEnabled(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("sqlite db is required")
	}
	var enabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&enabled); err != nil {
		return fmt.Errorf("check sqlite foreign key pragma: %w", err)
	}
	if enabled != 1 {
		return fmt.Errorf("sqlite foreign keys are disabled")
	}
	return nil
}

// AppendMessage allocates the next sequence index for the message's scope and
// persists the record in one transaction. The counter bump and the insert
// commit or roll back together, so indices observed in the log are gapless
// and collision-free under concurrent senders.
func (s *Store) AppendMessage(ctx context.Context, msg storage.NewMessage) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Message{}, fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeNewMessage(msg)
	if err != nil {
		return domain.Message{}, err
	}
	scopeKey := normalized.Scope.String()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin message append: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback message append: %v", cause, rollbackErr)
		}
		return cause
	}

	var seq uint64
	if err := tx.QueryRowContext(ctx, `
INSERT INTO scope_counters (scope_key, last_index) VALUES (?, 1)
ON CONFLICT(scope_key) DO UPDATE SET last_index = last_index + 1
RETURNING last_index
`, scopeKey).Scan(&seq); err != nil {
		return domain.Message{}, rollbackWith(fmt.Errorf("allocate sequence index: %w", err))
	}

	// Timestamps stay non-decreasing with the sequence index even when
	// concurrent senders observe slightly skewed clocks.
	createdAt := toMillis(normalized.CreatedAt)
	var prevCreatedAt sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
SELECT MAX(created_at) FROM messages WHERE scope_key = ?
`, scopeKey).Scan(&prevCreatedAt); err != nil {
		return domain.Message{}, rollbackWith(fmt.Errorf("read scope watermark: %w", err))
	}
	if prevCreatedAt.Valid && prevCreatedAt.Int64 > createdAt {
		createdAt = prevCreatedAt.Int64
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages (id, scope_key, sender_id, content, created_at, seq)
VALUES (?, ?, ?, ?, ?, ?)
`, normalized.ID, scopeKey, normalized.SenderID, normalized.Content, createdAt, seq); err != nil {
		if isUniqueConstraintError(err) {
			return domain.Message{}, rollbackWith(storage.ErrConflict)
		}
		return domain.Message{}, rollbackWith(fmt.Errorf("insert message: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("commit message append: %w", err)
	}

	return domain.Message{
		ID:            normalized.ID,
		Scope:         normalized.Scope,
		SenderID:      normalized.SenderID,
		Content:       normalized.Content,
		CreatedAt:     fromMillis(createdAt),
		SequenceIndex: seq,
	}, nil
}

// GetMessage loads one message with its read set.
func (s *Store) GetMessage(ctx context.Context, messageID string) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Message{}, fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return domain.Message{}, fmt.Errorf("message id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, scope_key, sender_id, content, created_at, seq
FROM messages
WHERE id = ?
`, messageID)
	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, storage.ErrNotFound
		}
		return domain.Message{}, fmt.Errorf("get message: %w", err)
	}
	messages := []domain.Message{msg}
	if err := s.attachReaders(ctx, messages); err != nil {
		return domain.Message{}, err
	}
	return messages[0], nil
}

// PageBefore returns up to limit messages older than beforeIndex, newest
// first. A zero beforeIndex, like one beyond the newest message, yields the
// latest page.
func (s *Store) PageBefore(ctx context.Context, scope domain.ScopeKey, beforeIndex uint64, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if scope.IsZero() {
		return nil, fmt.Errorf("scope is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	query := `
SELECT id, scope_key, sender_id, content, created_at, seq
FROM messages
WHERE scope_key = ?
ORDER BY seq DESC
LIMIT ?
`
	args := []any{scope.String(), limit}
	if beforeIndex > 0 {
		query = `
SELECT id, scope_key, sender_id, content, created_at, seq
FROM messages
WHERE scope_key = ? AND seq < ?
ORDER BY seq DESC
LIMIT ?
`
		args = []any{scope.String(), beforeIndex, limit}
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("page messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0, limit)
	for rows.Next() {
		msg, scanErr := scanMessage(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan message row: %w", scanErr)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	if err := s.attachReaders(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// LatestIndex returns the highest issued sequence index for the scope.
func (s *Store) LatestIndex(ctx context.Context, scope domain.ScopeKey) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if scope.IsZero() {
		return 0, fmt.Errorf("scope is required")
	}

	var last uint64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT last_index FROM scope_counters WHERE scope_key = ?
`, scope.String()).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read scope counter: %w", err)
	}
	return last, nil
}

// LatestPerScope returns the newest message of each listed scope that has
// one, ordered by message recency descending.
func (s *Store) LatestPerScope(ctx context.Context, scopes []domain.ScopeKey) ([]storage.ScopeLatest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(scopes) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(scopes))
	args := make([]any, 0, len(scopes))
	for _, scope := range scopes {
		if scope.IsZero() {
			return nil, fmt.Errorf("scope is required")
		}
		placeholders = append(placeholders, "?")
		args = append(args, scope.String())
	}

	query := fmt.Sprintf(`
SELECT m.id, m.scope_key, m.sender_id, m.content, m.created_at, m.seq
FROM messages m
JOIN (
    SELECT scope_key, MAX(seq) AS max_seq
    FROM messages
    WHERE scope_key IN (%s)
    GROUP BY scope_key
) latest ON latest.scope_key = m.scope_key AND latest.max_seq = m.seq
ORDER BY m.created_at DESC, m.seq DESC
`, strings.Join(placeholders, ", "))

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list latest per scope: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.Message, 0, len(scopes))
	for rows.Next() {
		msg, scanErr := scanMessage(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan latest message row: %w", scanErr)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest message rows: %w", err)
	}
	if err := s.attachReaders(ctx, messages); err != nil {
		return nil, err
	}

	results := make([]storage.ScopeLatest, 0, len(messages))
	for _, msg := range messages {
		results = append(results, storage.ScopeLatest{Scope: msg.Scope, Latest: msg})
	}
	return results, nil
}

// MarkRead records one reader acknowledgement. Repeat calls are no-ops.
func (s *Store) MarkRead(ctx context.Context, messageID string, readerID string, readAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	messageID = strings.TrimSpace(messageID)
	readerID = strings.TrimSpace(readerID)
	if messageID == "" {
		return fmt.Errorf("message id is required")
	}
	if readerID == "" {
		return fmt.Errorf("reader id is required")
	}
	if readAt.IsZero() {
		return fmt.Errorf("read time is required")
	}

	var exists int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check message exists: %w", err)
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO message_reads (message_id, reader_id, read_at) VALUES (?, ?, ?)
`, messageID, readerID, toMillis(readAt)); err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

// CountUnread counts scope messages readerID neither sent nor marked read.
func (s *Store) CountUnread(ctx context.Context, scope domain.ScopeKey, readerID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if scope.IsZero() {
		return 0, fmt.Errorf("scope is required")
	}
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return 0, fmt.Errorf("reader id is required")
	}

	var unread int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM messages m
WHERE m.scope_key = ?
  AND m.sender_id != ?
  AND NOT EXISTS (
    SELECT 1 FROM message_reads r
    WHERE r.message_id = m.id AND r.reader_id = ?
  )
`, scope.String(), readerID, readerID).Scan(&unread); err != nil {
		return 0, fmt.Errorf("count unread messages: %w", err)
	}
	return unread, nil
}

type scanner func(dest ...any) error

func normalizeNewMessage(msg storage.NewMessage) (storage.NewMessage, error) {
	msg.ID = strings.TrimSpace(msg.ID)
	msg.SenderID = strings.TrimSpace(msg.SenderID)
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.ID == "" {
		return storage.NewMessage{}, fmt.Errorf("message id is required")
	}
	if msg.Scope.IsZero() {
		return storage.NewMessage{}, fmt.Errorf("scope is required")
	}
	if msg.SenderID == "" {
		return storage.NewMessage{}, fmt.Errorf("sender id is required")
	}
	if msg.Content == "" {
		return storage.NewMessage{}, fmt.Errorf("content is required")
	}
	if msg.CreatedAt.IsZero() {
		return storage.NewMessage{}, fmt.Errorf("created_at is required")
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

func scanMessage(scan scanner) (domain.Message, error) {
	var msg domain.Message
	var scopeKey string
	var createdAt int64
	if err := scan(
		&msg.ID,
		&scopeKey,
		&msg.SenderID,
		&msg.Content,
		&createdAt,
		&msg.SequenceIndex,
	); err != nil {
		return domain.Message{}, err
	}
	scope, err := domain.ParseScopeKey(scopeKey)
	if err != nil {
		return domain.Message{}, fmt.Errorf("parse stored scope key: %w", err)
	}
	msg.Scope = scope
	msg.CreatedAt = fromMillis(createdAt)
	return msg, nil
}

func (s *Store) attachReaders(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	placeholders := make([]string, 0, len(messages))
	args := make([]any, 0, len(messages))
	index := make(map[string]int, len(messages))
	for i, msg := range messages {
		placeholders = append(placeholders, "?")
		args = append(args, msg.ID)
		index[msg.ID] = i
	}

	query := fmt.Sprintf(`
SELECT message_id, reader_id
FROM message_reads
WHERE message_id IN (%s)
ORDER BY read_at ASC, reader_id ASC
`, strings.Join(placeholders, ", "))

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("list message readers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var messageID, readerID string
		if err := rows.Scan(&messageID, &readerID); err != nil {
			return fmt.Errorf("scan message reader row: %w", err)
		}
		if i, ok := index[messageID]; ok {
			messages[i].ReadBy = append(messages[i].ReadBy, readerID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate message reader rows: %w", err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

package server

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errs "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/errors"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/id"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/broker"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/storage"
)

const (
	// MaxHistoryLimit caps one history page.
	MaxHistoryLimit = 100

	appendAttempts     = 3
	appendRetryBackoff = 25 * time.Millisecond
)

var tracer = otel.Tracer("messaging/app")

// Directory answers membership questions for conversation scopes. The
// monolith's user and project registry sits behind it.
type Directory interface {
	// IsMember reports whether userID participates in scope.
	IsMember(ctx context.Context, scope domain.ScopeKey, userID string) (bool, error)
	// MemberScopes lists every scope userID participates in, direct
	// conversations included.
	MemberScopes(ctx context.Context, userID string) ([]domain.ScopeKey, error)
}

// Preview is one inbox row: a scope's newest message plus the caller's
// unread count for that scope.
type Preview struct {
	Scope  domain.ScopeKey
	Latest domain.Message
	Unread int
}

// Service implements the messaging operations on top of the store, the
// broker, and the membership directory.
type Service struct {
	store     storage.Store
	publisher *broker.Broker
	directory Directory
	clock     func() time.Time
	newID     func() (string, error)
}

// NewService wires a messaging service. The store and directory are
// required; a nil publisher disables live fan-out.
func NewService(store storage.Store, publisher *broker.Broker, directory Directory) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("directory is required")
	}
	return &Service{
		store:     store,
		publisher: publisher,
		directory: directory,
		clock:     func() time.Time { return time.Now().UTC() },
		newID:     id.NewID,
	}, nil
}

func (s *Service) authorize(ctx context.Context, scope domain.ScopeKey, callerID string) error {
	member, err := s.directory.IsMember(ctx, scope, callerID)
	if err != nil {
		return errs.Wrap(errs.CodeStorageUnavailable, "check scope membership", err)
	}
	if !member {
		return errs.WithMetadata(errs.CodeScopeMembershipRequired, "caller is not a member of the scope", map[string]string{
			"scope": scope.String(),
		})
	}
	return nil
}

// Open resolves and authorizes a scope for the caller and reports its latest
// issued sequence index. Subscribers use the index to detect gaps in the
// live feed.
func (s *Service) Open(ctx context.Context, callerID string, selector domain.ScopeSelector) (domain.ScopeKey, uint64, error) {
	ctx, span := tracer.Start(ctx, "messaging.Open")
	defer span.End()

	scope, err := domain.Resolve(selector, callerID)
	if err != nil {
		return domain.ScopeKey{}, 0, err
	}
	if err := s.authorize(ctx, scope, callerID); err != nil {
		return domain.ScopeKey{}, 0, err
	}
	latest, err := s.store.LatestIndex(ctx, scope)
	if err != nil {
		return domain.ScopeKey{}, 0, errs.Wrap(errs.CodeStorageUnavailable, "read latest index", err)
	}
	return scope, latest, nil
}

// Send resolves the scope, authorizes the caller, validates the content, and
// appends the message. The broker publish happens after the durable append
// so live subscribers never see a message storage could still reject.
func (s *Service) Send(ctx context.Context, callerID string, selector domain.ScopeSelector, content string) (domain.Message, error) {
	ctx, span := tracer.Start(ctx, "messaging.Send")
	defer span.End()

	scope, err := domain.Resolve(selector, callerID)
	if err != nil {
		return domain.Message{}, err
	}
	span.SetAttributes(attribute.String("messaging.scope", scope.String()))

	body, err := domain.ValidateContent(content)
	if err != nil {
		return domain.Message{}, err
	}
	if err := s.authorize(ctx, scope, callerID); err != nil {
		return domain.Message{}, err
	}

	msg, err := s.appendWithRetry(ctx, scope, callerID, body)
	if err != nil {
		return domain.Message{}, err
	}
	if s.publisher != nil {
		s.publisher.Publish(msg)
	}
	return msg, nil
}

func (s *Service) appendWithRetry(ctx context.Context, scope domain.ScopeKey, senderID, content string) (domain.Message, error) {
	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * appendRetryBackoff
			backoff += time.Duration(rand.Int63n(int64(appendRetryBackoff)))
			select {
			case <-ctx.Done():
				return domain.Message{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		messageID, err := s.newID()
		if err != nil {
			return domain.Message{}, errs.Wrap(errs.CodeStorageUnavailable, "generate message id", err)
		}
		msg, err := s.store.AppendMessage(ctx, storage.NewMessage{
			ID:        messageID,
			Scope:     scope,
			SenderID:  senderID,
			Content:   content,
			CreatedAt: s.clock(),
		})
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return domain.Message{}, ctx.Err()
		}
		// ErrConflict means an id collision; any other failure is treated
		// as transient and retried with a fresh id either way.
		lastErr = err
	}
	return domain.Message{}, errs.Wrap(errs.CodeStorageUnavailable, "append message", lastErr)
}

// History returns up to limit messages of the selected scope older than
// beforeIndex, newest first. A zero beforeIndex reads from the latest
// message.
func (s *Service) History(ctx context.Context, callerID string, selector domain.ScopeSelector, beforeIndex uint64, limit int) ([]domain.Message, error) {
	ctx, span := tracer.Start(ctx, "messaging.History")
	defer span.End()

	scope, err := domain.Resolve(selector, callerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxHistoryLimit {
		return nil, errs.New(errs.CodePageLimitInvalid, fmt.Sprintf("limit must be between 1 and %d", MaxHistoryLimit))
	}
	if err := s.authorize(ctx, scope, callerID); err != nil {
		return nil, err
	}

	messages, err := s.store.PageBefore(ctx, scope, beforeIndex, limit)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "page messages", err)
	}
	return messages, nil
}

// MarkRead records that callerID read the message. Marking an already read
// message again, or one's own message, changes nothing.
func (s *Service) MarkRead(ctx context.Context, callerID string, messageID string) (domain.Message, error) {
	ctx, span := tracer.Start(ctx, "messaging.MarkRead")
	defer span.End()

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Message{}, errs.New(errs.CodeMessageNotFound, "message not found")
		}
		return domain.Message{}, errs.Wrap(errs.CodeStorageUnavailable, "get message", err)
	}
	if err := s.authorize(ctx, msg.Scope, callerID); err != nil {
		return domain.Message{}, err
	}
	if msg.SenderID == callerID {
		return msg, nil
	}

	if err := s.store.MarkRead(ctx, messageID, callerID, s.clock()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Message{}, errs.New(errs.CodeMessageNotFound, "message not found")
		}
		return domain.Message{}, errs.Wrap(errs.CodeStorageUnavailable, "mark message read", err)
	}

	updated, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return domain.Message{}, errs.Wrap(errs.CodeStorageUnavailable, "get message", err)
	}
	return updated, nil
}

// Inbox returns one preview per scope the caller participates in that has at
// least one message, ordered by latest message recency descending.
func (s *Service) Inbox(ctx context.Context, callerID string) ([]Preview, error) {
	return s.inbox(ctx, callerID, "")
}

// InboxByKind is Inbox restricted to one scope kind.
func (s *Service) InboxByKind(ctx context.Context, callerID string, kind domain.ScopeKind) ([]Preview, error) {
	return s.inbox(ctx, callerID, kind)
}

func (s *Service) inbox(ctx context.Context, callerID string, kind domain.ScopeKind) ([]Preview, error) {
	ctx, span := tracer.Start(ctx, "messaging.Inbox")
	defer span.End()

	scopes, err := s.directory.MemberScopes(ctx, callerID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "list member scopes", err)
	}
	if kind != "" {
		filtered := scopes[:0]
		for _, scope := range scopes {
			if scope.Kind == kind {
				filtered = append(filtered, scope)
			}
		}
		scopes = filtered
	}
	if len(scopes) == 0 {
		return nil, nil
	}

	latest, err := s.store.LatestPerScope(ctx, scopes)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorageUnavailable, "list latest messages", err)
	}

	previews := make([]Preview, 0, len(latest))
	for _, entry := range latest {
		unread, err := s.store.CountUnread(ctx, entry.Scope, callerID)
		if err != nil {
			return nil, errs.Wrap(errs.CodeStorageUnavailable, "count unread messages", err)
		}
		previews = append(previews, Preview{Scope: entry.Scope, Latest: entry.Latest, Unread: unread})
	}
	sort.SliceStable(previews, func(i, j int) bool {
		return previews[i].Latest.CreatedAt.After(previews[j].Latest.CreatedAt)
	})
	return previews, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/errors"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/broker"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/storage"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/storage/sqlite"
)

type serviceFixture struct {
	service   *Service
	store     *sqlite.Store
	publisher *broker.Broker
	directory *StaticDirectory
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "messaging.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})

	publisher := broker.New(nil)
	t.Cleanup(publisher.Close)

	directory := NewStaticDirectory()
	service, err := NewService(store, publisher, directory)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return serviceFixture{service: service, store: store, publisher: publisher, directory: directory}
}

func assertCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()

	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("error code = %q (%v), want %q", got, err, want)
	}
}

func TestSendAppendsAndPublishes(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)
	scope := domain.DirectScope("user-a", "user-b")
	sub := fixture.publisher.Subscribe(scope, "user-b", 0)
	defer sub.Close()

	msg, err := fixture.service.Send(context.Background(), "user-a", domain.ScopeSelector{CounterpartUserID: "user-b"}, "  hello there  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.SequenceIndex != 1 {
		t.Fatalf("sequence index = %d, want 1", msg.SequenceIndex)
	}
	if msg.Content != "hello there" {
		t.Fatalf("content = %q, want trimmed form", msg.Content)
	}
	if msg.Scope != scope {
		t.Fatalf("scope = %v, want %v", msg.Scope, scope)
	}

	select {
	case got := <-sub.Messages():
		if got.ID != msg.ID {
			t.Fatalf("published id = %q, want %q", got.ID, msg.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}

	stored, err := fixture.store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Content != "hello there" {
		t.Fatalf("stored content = %q", stored.Content)
	}
}

func TestSendRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)
	ctx := context.Background()

	_, err := fixture.service.Send(ctx, "user-a", domain.ScopeSelector{}, "hello")
	assertCode(t, err, apperrors.CodeScopeSelectorInvalid)

	_, err = fixture.service.Send(ctx, "user-a", domain.ScopeSelector{CounterpartUserID: "user-a"}, "hello")
	assertCode(t, err, apperrors.CodeScopeSelfConversation)

	_, err = fixture.service.Send(ctx, "user-a", domain.ScopeSelector{CounterpartUserID: "user-b"}, "   ")
	assertCode(t, err, apperrors.CodeMessageContentEmpty)
}

func TestSendRequiresMembership(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)

	_, err := fixture.service.Send(context.Background(), "user-a", domain.ScopeSelector{ProjectID: "project-1"}, "hello")
	assertCode(t, err, apperrors.CodeScopeMembershipRequired)

	fixture.directory.AddMember(domain.ProjectScope("project-1"), "user-a")
	if _, err := fixture.service.Send(context.Background(), "user-a", domain.ScopeSelector{ProjectID: "project-1"}, "hello"); err != nil {
		t.Fatalf("send after membership: %v", err)
	}
}

func TestOpenReportsLatestIndex(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)
	ctx := context.Background()
	selector := domain.ScopeSelector{CounterpartUserID: "user-b"}

	scope, latest, err := fixture.service.Open(ctx, "user-a", selector)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest index = %d, want 0", latest)
	}
	if scope != domain.DirectScope("user-a", "user-b") {
		t.Fatalf("scope = %v", scope)
	}

	for i := 0; i < 3; i++ {
		if _, err := fixture.service.Send(ctx, "user-a", selector, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, latest, err = fixture.service.Open(ctx, "user-a", selector); err != nil || latest != 3 {
		t.Fatalf("open after sends: latest=%d err=%v, want 3", latest, err)
	}
}

func TestHistoryPagesBackward(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)
	ctx := context.Background()
	selector := domain.ScopeSelector{CounterpartUserID: "user-b"}

	for i := 1; i <= 5; i++ {
		if _, err := fixture.service.Send(ctx, "user-a", selector, fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	page, err := fixture.service.History(ctx, "user-a", selector, 0, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].SequenceIndex != 5 || page[1].SequenceIndex != 4 {
		t.Fatalf("latest page = %v", page)
	}

	page, err = fixture.service.History(ctx, "user-a", selector, page[1].SequenceIndex, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != 2 || page[0].SequenceIndex != 3 || page[1].SequenceIndex != 2 {
		t.Fatalf("second page = %v", page)
	}

	_, err = fixture.service.History(ctx, "user-a", selector, 0, 0)
	assertCode(t, err, apperrors.CodePageLimitInvalid)

	_, err = fixture.service.History(ctx, "user-a", selector, 0, MaxHistoryLimit+1)
	assertCode(t, err, apperrors.CodePageLimitInvalid)

	_, err = fixture.service.History(ctx, "user-c", domain.ScopeSelector{ProjectID: "project-1"}, 0, 2)
	assertCode(t, err, apperrors.CodeScopeMembershipRequired)
}

func TestMarkRead(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)
	ctx := context.Background()

	msg, err := fixture.service.Send(ctx, "user-a", domain.ScopeSelector{CounterpartUserID: "user-b"}, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	updated, err := fixture.service.MarkRead(ctx, "user-b", msg.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !updated.ReadByUser("user-b") {
		t.Fatalf("read set = %v, want user-b", updated.ReadBy)
	}

	// Repeat reads and sender reads change nothing.
	again, err := fixture.service.MarkRead(ctx, "user-b", msg.ID)
	if err != nil {
		t.Fatalf("repeat mark read: %v", err)
	}
	if len(again.ReadBy) != 1 {
		t.Fatalf("read set after repeat = %v", again.ReadBy)
	}
	own, err := fixture.service.MarkRead(ctx, "user-a", msg.ID)
	if err != nil {
		t.Fatalf("sender mark read: %v", err)
	}
	if own.ReadByUser("user-a") {
		t.Fatal("sender must not join the read set")
	}

	_, err = fixture.service.MarkRead(ctx, "user-b", "missing")
	assertCode(t, err, apperrors.CodeMessageNotFound)

	_, err = fixture.service.MarkRead(ctx, "user-c", msg.ID)
	assertCode(t, err, apperrors.CodeScopeMembershipRequired)
}

func TestInboxOrdersByRecency(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)
	ctx := context.Background()

	fixture.directory.AddDirectPair("user-a", "user-b")
	fixture.directory.AddMember(domain.ProjectScope("project-1"), "user-a")
	fixture.directory.AddMember(domain.ProjectScope("project-1"), "user-c")
	fixture.directory.AddMember(domain.PhaseScope("phase-1"), "user-a")

	if _, err := fixture.service.Send(ctx, "user-b", domain.ScopeSelector{CounterpartUserID: "user-a"}, "direct"); err != nil {
		t.Fatalf("send direct: %v", err)
	}
	if _, err := fixture.service.Send(ctx, "user-c", domain.ScopeSelector{ProjectID: "project-1"}, "project one"); err != nil {
		t.Fatalf("send project: %v", err)
	}
	if _, err := fixture.service.Send(ctx, "user-c", domain.ScopeSelector{ProjectID: "project-1"}, "project two"); err != nil {
		t.Fatalf("send project: %v", err)
	}

	previews, err := fixture.service.Inbox(ctx, "user-a")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	// The phase scope has no messages, so only two previews remain.
	if len(previews) != 2 {
		t.Fatalf("got %d previews, want 2", len(previews))
	}
	if previews[0].Scope != domain.ProjectScope("project-1") {
		t.Fatalf("first preview scope = %v, want project", previews[0].Scope)
	}
	if previews[0].Latest.Content != "project two" {
		t.Fatalf("project preview content = %q", previews[0].Latest.Content)
	}
	if previews[0].Unread != 2 {
		t.Fatalf("project unread = %d, want 2", previews[0].Unread)
	}
	if previews[1].Unread != 1 {
		t.Fatalf("direct unread = %d, want 1", previews[1].Unread)
	}

	directOnly, err := fixture.service.InboxByKind(ctx, "user-a", domain.ScopeDirect)
	if err != nil {
		t.Fatalf("inbox by kind: %v", err)
	}
	if len(directOnly) != 1 || directOnly[0].Scope.Kind != domain.ScopeDirect {
		t.Fatalf("direct inbox = %v", directOnly)
	}
}

func TestSendRetriesTransientStorageFailure(t *testing.T) {
	t.Parallel()

	fixture := newServiceFixture(t)
	flaky := &flakyStore{Store: fixture.store, failures: 2}
	service, err := NewService(flaky, nil, fixture.directory)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	msg, err := service.Send(context.Background(), "user-a", domain.ScopeSelector{CounterpartUserID: "user-b"}, "hello")
	if err != nil {
		t.Fatalf("send with transient failures: %v", err)
	}
	if msg.SequenceIndex != 1 {
		t.Fatalf("sequence index = %d, want 1", msg.SequenceIndex)
	}

	exhausted := &flakyStore{Store: fixture.store, failures: 10}
	service, err = NewService(exhausted, nil, fixture.directory)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	_, err = service.Send(context.Background(), "user-a", domain.ScopeSelector{CounterpartUserID: "user-b"}, "hello")
	assertCode(t, err, apperrors.CodeStorageUnavailable)
}

type flakyStore struct {
	storage.Store
	failures int
}

func (f *flakyStore) AppendMessage(ctx context.Context, msg storage.NewMessage) (domain.Message, error) {
	if f.failures > 0 {
		f.failures--
		return domain.Message{}, errors.New("database is locked")
	}
	return f.Store.AppendMessage(ctx, msg)
}

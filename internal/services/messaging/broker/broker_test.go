package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
)

func testMessage(scope domain.ScopeKey, seq uint64) domain.Message {
	return domain.Message{
		ID:            fmt.Sprintf("msg-%d", seq),
		Scope:         scope,
		SenderID:      "user-a",
		Content:       fmt.Sprintf("message %d", seq),
		CreatedAt:     time.Now().UTC(),
		SequenceIndex: seq,
	}
}

func receiveMessage(t *testing.T, sub *Subscription) domain.Message {
	t.Helper()

	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return domain.Message{}
}

func TestPublishFansOutToScopeSubscribers(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	scope := domain.ProjectScope("project-1")
	other := domain.ProjectScope("project-2")

	first := b.Subscribe(scope, "user-a", 0)
	second := b.Subscribe(scope, "user-b", 0)
	bystander := b.Subscribe(other, "user-c", 0)

	msg := testMessage(scope, 1)
	b.Publish(msg)

	if got := receiveMessage(t, first); got.ID != msg.ID {
		t.Fatalf("first subscriber got %q, want %q", got.ID, msg.ID)
	}
	if got := receiveMessage(t, second); got.ID != msg.ID {
		t.Fatalf("second subscriber got %q, want %q", got.ID, msg.ID)
	}
	select {
	case leaked := <-bystander.Messages():
		t.Fatalf("other scope received %q", leaked.ID)
	default:
	}
}

func TestPublishPreservesOrderPerSubscription(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	scope := domain.PhaseScope("phase-1")
	sub := b.Subscribe(scope, "user-a", 8)

	for seq := uint64(1); seq <= 5; seq++ {
		b.Publish(testMessage(scope, seq))
	}
	for want := uint64(1); want <= 5; want++ {
		if got := receiveMessage(t, sub); got.SequenceIndex != want {
			t.Fatalf("received index %d, want %d", got.SequenceIndex, want)
		}
	}
}

func TestPublishDropsOldestWhenBufferFull(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	scope := domain.ProjectScope("project-1")
	sub := b.Subscribe(scope, "user-a", 2)

	for seq := uint64(1); seq <= 4; seq++ {
		b.Publish(testMessage(scope, seq))
	}

	if got := receiveMessage(t, sub); got.SequenceIndex != 3 {
		t.Fatalf("first buffered index = %d, want 3", got.SequenceIndex)
	}
	if got := receiveMessage(t, sub); got.SequenceIndex != 4 {
		t.Fatalf("second buffered index = %d, want 4", got.SequenceIndex)
	}
	if dropped := sub.Dropped(); dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	scope := domain.ProjectScope("project-1")
	slow := b.Subscribe(scope, "user-a", 1)
	fast := b.Subscribe(scope, "user-b", 8)

	for seq := uint64(1); seq <= 5; seq++ {
		b.Publish(testMessage(scope, seq))
	}
	for want := uint64(1); want <= 5; want++ {
		if got := receiveMessage(t, fast); got.SequenceIndex != want {
			t.Fatalf("fast subscriber index = %d, want %d", got.SequenceIndex, want)
		}
	}
	if got := receiveMessage(t, slow); got.SequenceIndex != 5 {
		t.Fatalf("slow subscriber kept index %d, want 5", got.SequenceIndex)
	}
	if dropped := slow.Dropped(); dropped != 4 {
		t.Fatalf("slow subscriber dropped = %d, want 4", dropped)
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	scope := domain.ProjectScope("project-1")
	sub := b.Subscribe(scope, "user-a", 0)
	if count := b.SubscriberCount(scope); count != 1 {
		t.Fatalf("subscriber count = %d, want 1", count)
	}

	sub.Close()
	sub.Close()
	if count := b.SubscriberCount(scope); count != 0 {
		t.Fatalf("subscriber count after close = %d, want 0", count)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected closed channel")
	}

	// Publishing after the subscriber left must not panic or deliver.
	b.Publish(testMessage(scope, 1))
}

func TestUnrelatedScopesDeliverConcurrently(t *testing.T) {
	t.Parallel()

	b := New(nil)
	defer b.Close()

	quiet := domain.ProjectScope("project-quiet")
	busy := domain.ProjectScope("project-busy")

	sub := b.Subscribe(quiet, "user-a", 128)

	// Churn subscriptions and publishes on the busy scope while the quiet
	// scope delivers, so registry work on one scope cannot stall the other.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			churn := b.Subscribe(busy, "user-b", 1)
			b.Publish(testMessage(busy, uint64(i+1)))
			churn.Close()
		}
	}()

	for seq := uint64(1); seq <= 100; seq++ {
		b.Publish(testMessage(quiet, seq))
		if got := receiveMessage(t, sub); got.SequenceIndex != seq {
			t.Fatalf("quiet scope index = %d, want %d", got.SequenceIndex, seq)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("busy scope churn did not finish")
	}
	if got := b.SubscriberCount(busy); got != 0 {
		t.Fatalf("busy scope subscriber count = %d, want 0", got)
	}
}

func TestBrokerClose(t *testing.T) {
	t.Parallel()

	b := New(nil)
	scope := domain.ProjectScope("project-1")
	sub := b.Subscribe(scope, "user-a", 0)

	b.Close()
	b.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Fatal("expected closed channel after broker close")
	}

	// A closed broker hands out closed subscriptions and drops publishes.
	late := b.Subscribe(scope, "user-b", 0)
	if _, ok := <-late.Messages(); ok {
		t.Fatal("expected closed channel from closed broker")
	}
	b.Publish(testMessage(scope, 1))
	late.Close()
	sub.Close()
}

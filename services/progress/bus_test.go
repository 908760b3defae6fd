package progress

import (
	"context"
	"testing"
	"time"

	"github.com/docpipe/docpipe/model"
)

func snap(docID uint, progress float64) model.StatusSnapshot {
	return model.StatusSnapshot{
		DocumentID: docID,
		Status:     model.StatusProcessing,
		Progress:   progress,
	}
}

func receive(t *testing.T, sub *Subscription) model.StatusSnapshot {
	t.Helper()
	select {
	case s, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a snapshot")
		return model.StatusSnapshot{}
	}
}

func TestSubscribeReceivesPublishedSnapshots(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.Publish(1, snap(1, 0.05))
	bus.Publish(1, snap(1, 0.10))

	if got := receive(t, sub); got.Progress != 0.05 {
		t.Errorf("first snapshot progress = %v, want 0.05", got.Progress)
	}
	if got := receive(t, sub); got.Progress != 0.10 {
		t.Errorf("second snapshot progress = %v, want 0.10", got.Progress)
	}
}

func TestSubscribeReplaysLatest(t *testing.T) {
	bus := NewBus()
	bus.Publish(1, snap(1, 0.05))
	bus.Publish(1, snap(1, 0.50))

	// A late subscriber still sees the current state immediately
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	if got := receive(t, sub); got.Progress != 0.50 {
		t.Errorf("replayed progress = %v, want the latest 0.50", got.Progress)
	}
}

func TestSubscribersAreIsolatedByDocument(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.Publish(2, snap(2, 0.5))

	select {
	case got := <-sub.C:
		t.Errorf("received snapshot for document %d on document 1's subscription", got.DocumentID)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	// Overflow the buffer without draining
	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish(1, snap(1, float64(i)))
	}

	// The newest snapshot must still be in the buffer
	var last model.StatusSnapshot
	for {
		select {
		case s := <-sub.C:
			last = s
			continue
		default:
		}
		break
	}
	if last.Progress != float64(subscriberBuffer+4) {
		t.Errorf("newest snapshot lost; last seen progress = %v", last.Progress)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after unsubscribe")
	}

	// Publishing afterwards must not panic
	bus.Publish(1, snap(1, 0.5))
	bus.Unsubscribe(sub) // idempotent
}

func TestCloseDocumentClosesSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(1)
	other := bus.Subscribe(2)
	defer bus.Unsubscribe(other)

	bus.CloseDocument(1)

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("expected a closed channel, got a snapshot")
		}
	case <-time.After(time.Second):
		t.Error("subscriber channel not closed")
	}

	// Other documents' subscribers are untouched
	bus.Publish(2, snap(2, 0.5))
	select {
	case got := <-other.C:
		if got.DocumentID != 2 {
			t.Errorf("unexpected snapshot for document %d", got.DocumentID)
		}
	case <-time.After(time.Second):
		t.Error("unrelated subscriber lost its stream")
	}

	// Unsubscribing an already-closed subscription must not panic
	bus.Unsubscribe(sub)
}

func TestCloseDocumentDropsReplay(t *testing.T) {
	bus := NewBus()
	bus.Publish(1, snap(1, 0.5))
	bus.CloseDocument(1)

	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	select {
	case <-sub.C:
		t.Error("closed document must not replay")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestTrackerDiscardKeepsTombstone(t *testing.T) {
	tracker := NewTracker(NewBus(), nil)
	ctx := context.Background()

	if err := tracker.Cancel(ctx, 5); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	sub := tracker.Bus().Subscribe(5)

	if err := tracker.Discard(ctx, 5); err != nil {
		t.Fatalf("discard: %v", err)
	}

	if _, ok := <-sub.C; ok {
		t.Error("discard should close live subscriptions")
	}
	if !tracker.IsCancelled(ctx, 5) {
		t.Error("discard must leave the cancellation tombstone in place")
	}
}

func TestTrackerCancelWithoutRedis(t *testing.T) {
	tracker := NewTracker(NewBus(), nil)
	ctx := context.Background()

	if tracker.IsCancelled(ctx, 7) {
		t.Fatal("fresh document should not be cancelled")
	}
	if err := tracker.Cancel(ctx, 7); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !tracker.IsCancelled(ctx, 7) {
		t.Error("tombstone not observed")
	}

	// Other documents are unaffected
	if tracker.IsCancelled(ctx, 8) {
		t.Error("cancellation leaked to another document")
	}
}

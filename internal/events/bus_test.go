package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Emit(SourceGateway, KindPushComplete, map[string]any{"devices": 2})

	select {
	case e := <-ch:
		if e.Source != SourceGateway || e.Kind != KindPushComplete {
			t.Errorf("got event %s/%s", e.Source, e.Kind)
		}
		if e.Timestamp.IsZero() {
			t.Error("Emit should stamp the timestamp")
		}
		if e.Data["devices"] != 2 {
			t.Errorf("data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBus_NilSafe(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourceCloud, Kind: KindPropertyPost}) // must not panic
	b.Emit(SourceCloud, KindPropertyPost, nil)
	if b.SubscriberCount() != 0 {
		t.Error("nil bus should report zero subscribers")
	}
}

func TestBus_SlowSubscriberDropsEvents(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	// Fill the buffer, then publish more; must not block.
	for range 10 {
		b.Emit(SourceGateway, KindPushStart, nil)
	}

	// Exactly one event should be buffered.
	select {
	case <-ch:
	default:
		t.Fatal("expected one buffered event")
	}
	select {
	case <-ch:
		t.Error("overflow events should have been dropped")
	default:
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)

	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Double unsubscribe is a no-op.
	b.Unsubscribe(ch)
}

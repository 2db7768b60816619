package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(4, TypePublished)
	defer unsub()

	b.Publish(Event{Type: TypeSessionOpened})
	b.Publish(Event{Type: TypePublished, Data: Published{Source: "http", Seq: 1}})

	select {
	case e := <-ch:
		if e.Type != TypePublished || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
		if p, ok := e.Data.(Published); !ok || p.Seq != 1 {
			t.Fatalf("unexpected data %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	select {
	case e := <-ch:
		t.Fatalf("filtered event leaked: %+v", e)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: TypeRejected})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if b.Dropped() != 9 {
		t.Fatalf("dropped = %d, want 9", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: TypePublished})
}

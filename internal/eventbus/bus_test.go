package eventbus

import (
	"testing"
	"time"
)

func TestBusFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "job.succeeded", Data: "j1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != "job.succeeded" || ev.Data != "j1" || ev.Time.IsZero() {
				t.Fatalf("unexpected event: %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	st := b.(Counter).Stats()
	if st.Published != 2 || st.Dropped != 1 || st.Subscribers != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if ev := <-ch; ev.Type != "a" {
		t.Fatalf("oldest event must be kept, got %q", ev.Type)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
	b.Publish(Event{Type: "after"})
	if st := b.(Counter).Stats(); st.Subscribers != 0 || st.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestBusFiltersByType(t *testing.T) {
	t.Parallel()

	b := New()
	only, unsubOnly := b.Subscribe(4, "job.exhausted", "job.missed")
	all, unsubAll := b.Subscribe(4)
	defer unsubOnly()
	defer unsubAll()

	for _, typ := range []string{"job.succeeded", "job.missed", "job.retry", "job.exhausted"} {
		b.Publish(Event{Type: typ})
	}

	var got []string
	for len(only) > 0 {
		got = append(got, (<-only).Type)
	}
	if len(got) != 2 || got[0] != "job.missed" || got[1] != "job.exhausted" {
		t.Fatalf("filtered subscriber got %v", got)
	}
	if len(all) != 4 {
		t.Fatalf("unfiltered subscriber got %d events, want 4", len(all))
	}
	if st := b.(Counter).Stats(); st.Dropped != 0 {
		t.Fatalf("filtered events must not count as drops: %+v", st)
	}
}

package broadcast

import (
	"testing"

	"overseer/pkg/proto"
)

func event(n string) proto.Event {
	return proto.NewWorkflowTransitionEvent("shop", "IDLE", "BACKLOG_READY", n, "alice")
}

func TestFanOutDeliversToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	chat := b.Subscribe("chat", 8, Disconnect)
	viz := b.Subscribe("viz", 8, DropOldest)

	b.Publish(event("create_epic"))

	for _, sub := range []*Subscription{chat, viz} {
		select {
		case ev := <-sub.Events():
			if ev.Command != "create_epic" {
				t.Errorf("%s got command %q", sub.Name(), ev.Command)
			}
		default:
			t.Errorf("%s received nothing", sub.Name())
		}
	}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("viz", 2, DropOldest)
	for _, cmd := range []string{"a", "b", "c", "d"} {
		b.Publish(event(cmd))
	}

	var got []string
	for {
		select {
		case ev := <-sub.Events():
			got = append(got, ev.Command)
			continue
		default:
		}
		break
	}
	if len(got) != 2 {
		t.Fatalf("queued events = %v, want 2", got)
	}
	if got[len(got)-1] != "d" {
		t.Errorf("newest event lost: %v", got)
	}
	if sub.Dropped() != 2 {
		t.Errorf("dropped = %d, want 2", sub.Dropped())
	}
}

func TestDisconnectOnOverflow(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe("chat", 1, Disconnect)
	b.Publish(event("a"))
	b.Publish(event("b")) // overflows, disconnects

	if b.SubscriberCount() != 0 {
		t.Errorf("subscriber count = %d after overflow, want 0", b.SubscriberCount())
	}
}

func TestResubscribeReplacesAndClosesPrevious(t *testing.T) {
	b := New()
	defer b.Close()

	first := b.Subscribe("chat", 4, Disconnect)
	b.Subscribe("chat", 4, Disconnect)

	if _, open := <-first.Events(); open {
		t.Error("replaced subscription should be closed")
	}
	if b.SubscriberCount() != 1 {
		t.Errorf("subscriber count = %d, want 1", b.SubscriberCount())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("chat", 4, Disconnect)
	b.Unsubscribe("chat")

	if _, open := <-sub.Events(); open {
		t.Error("unsubscribed channel should be closed")
	}
	b.Publish(event("a")) // must not panic
}

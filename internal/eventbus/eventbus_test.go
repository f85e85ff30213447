package eventbus

import (
	"testing"
	"time"

	"github.com/Dicklesworthstone/frankenterm/internal/pattern"
)

func mkEvent(paneID int64, ruleID string) Event {
	return Event{PaneID: paneID, DetectionEvent: pattern.DetectionEvent{RuleID: ruleID}}
}

func TestPublishDeliversToMatchingSubscriptionOnly(t *testing.T) {
	b := New()
	pane1 := int64(1)
	subPane1 := b.Subscribe(Filter{PaneID: &pane1}, DropNewest)
	defer subPane1.Unsubscribe()
	subAll := b.Subscribe(Filter{}, DropNewest)
	defer subAll.Unsubscribe()

	b.Publish(mkEvent(1, "r1"))
	b.Publish(mkEvent(2, "r2"))

	select {
	case e := <-subPane1.Events():
		if e.PaneID != 1 {
			t.Fatalf("expected pane 1 event, got %+v", e)
		}
	default:
		t.Fatal("expected pane-1 subscriber to receive the pane-1 event")
	}

	select {
	case <-subPane1.Events():
		t.Fatal("pane-1 subscriber should not have received the pane-2 event")
	default:
	}

	count := 0
	for {
		select {
		case <-subAll.Events():
			count++
		default:
			goto done
		}
	}
done:
	if count != 2 {
		t.Fatalf("expected unfiltered subscriber to see both events, got %d", count)
	}
}

func TestDropNewestDropsIncomingOnFullQueue(t *testing.T) {
	b := New()
	sub := b.SubscribeDepth(Filter{}, DropNewest, 1)
	defer sub.Unsubscribe()

	b.Publish(mkEvent(1, "first"))
	b.Publish(mkEvent(1, "second"))

	e := <-sub.Events()
	if e.RuleID != "first" {
		t.Fatalf("expected the first event to survive, got %q", e.RuleID)
	}
	if sub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", sub.Dropped())
	}
}

func TestCoalesceOldestKeepsNewest(t *testing.T) {
	b := New()
	sub := b.SubscribeDepth(Filter{}, CoalesceOldest, 1)
	defer sub.Unsubscribe()

	b.Publish(mkEvent(1, "first"))
	b.Publish(mkEvent(1, "second"))

	e := <-sub.Events()
	if e.RuleID != "second" {
		t.Fatalf("expected the newest event to survive, got %q", e.RuleID)
	}
}

func TestUnsubscribeIsSafeDuringConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{}, DropNewest)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(mkEvent(1, "x"))
		}
		close(done)
	}()

	time.Sleep(time.Millisecond)
	sub.Unsubscribe()
	<-done

	if b.Len() != 0 {
		t.Fatalf("expected no live subscriptions after unsubscribe, got %d", b.Len())
	}
}

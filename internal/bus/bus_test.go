package bus

import (
	"fmt"
	"testing"
	"time"
)

func recvTimeout(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("prj_1")
	defer unsub()

	b.Publish(Event{ProjectID: "prj_1", Entity: EntityProject, Op: OpUpdate})

	event := recvTimeout(t, ch)
	if event.Entity != EntityProject || event.Op != OpUpdate {
		t.Errorf("unexpected event %+v", event)
	}
}

func TestEventsScopedToProject(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe("prj_1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("prj_2")
	defer unsub2()

	b.Publish(Event{ProjectID: "prj_2", Entity: EntityMembership, Op: OpInsert})

	if event := recvTimeout(t, ch2); event.ProjectID != "prj_2" {
		t.Errorf("wrong project id %s", event.ProjectID)
	}
	select {
	case event := <-ch1:
		t.Errorf("prj_1 subscriber received foreign event %+v", event)
	default:
	}
}

func TestNoBacklogReplay(t *testing.T) {
	b := New()
	b.Publish(Event{ProjectID: "prj_1", Entity: EntityProject, Op: OpUpdate})

	ch, unsub := b.Subscribe("prj_1")
	defer unsub()

	select {
	case event := <-ch:
		t.Errorf("received pre-subscription event %+v", event)
	default:
	}
}

func TestFIFOPerProject(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("prj_1")
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{ProjectID: "prj_1", Entity: EntityProject, Op: OpUpdate, Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))})
	}
	for i := 0; i < 10; i++ {
		event := recvTimeout(t, ch)
		want := fmt.Sprintf(`{"n":%d}`, i)
		if string(event.Payload) != want {
			t.Fatalf("out of order: got %s want %s", event.Payload, want)
		}
	}
}

func TestSlowSubscriberDropsOldestNotPublisher(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("prj_1")
	defer unsub()

	// Publish past the buffer without draining; must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(Event{ProjectID: "prj_1", Entity: EntityProject, Op: OpUpdate, Payload: []byte(fmt.Sprintf(`{"n":%d}`, i))})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The newest event survived; the oldest were dropped.
	var last Event
	for {
		var ok bool
		select {
		case last, ok = <-ch:
			if !ok {
				t.Fatal("channel closed")
			}
			continue
		default:
		}
		break
	}
	want := fmt.Sprintf(`{"n":%d}`, subscriberBuffer*3-1)
	if string(last.Payload) != want {
		t.Errorf("newest event lost: got %s want %s", last.Payload, want)
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("prj_1")
	unsub()
	unsub() // must not panic

	if n := b.SubscriberCount("prj_1"); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
	// Publishing after unsubscribe must not panic either.
	b.Publish(Event{ProjectID: "prj_1", Entity: EntityProject, Op: OpDelete})
}

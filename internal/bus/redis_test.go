package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	b := NewRedisBus(context.Background(), client)
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
	})
	// Give the pattern subscription a moment to register.
	time.Sleep(50 * time.Millisecond)
	return b
}

func TestRedisBusRoundTrip(t *testing.T) {
	b := setupRedisBus(t)

	ch, unsub := b.Subscribe("prj_1")
	defer unsub()

	b.Publish(Event{ProjectID: "prj_1", Entity: EntityProject, Op: OpUpdate, Payload: []byte(`{"id":"prj_1"}`)})

	select {
	case event := <-ch:
		if event.ProjectID != "prj_1" || event.Op != OpUpdate {
			t.Errorf("unexpected event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridged event")
	}
}

func TestRedisBusScopesByChannel(t *testing.T) {
	b := setupRedisBus(t)

	ch, unsub := b.Subscribe("prj_a")
	defer unsub()

	b.Publish(Event{ProjectID: "prj_b", Entity: EntityMembership, Op: OpInsert})
	b.Publish(Event{ProjectID: "prj_a", Entity: EntityMembership, Op: OpDelete})

	select {
	case event := <-ch:
		if event.ProjectID != "prj_a" || event.Op != OpDelete {
			t.Errorf("received wrong event %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/snarg/conjunx/internal/render"
)

func TestPublishSubscribe(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{})
	defer cancel()

	eb.Publish(EventData{Type: "job", SubType: "queued", JobID: "a", Payload: map[string]string{"k": "v"}})

	select {
	case e := <-ch:
		if e.Type != "job" || e.SubType != "queued" || e.JobID != "a" {
			t.Errorf("unexpected event %+v", e)
		}
		if string(e.Data) != `{"k":"v"}` {
			t.Errorf("data = %s", e.Data)
		}
		if e.ID == "" {
			t.Error("event ID is empty")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscriberCount(t *testing.T) {
	eb := NewEventBus(4)
	_, c1 := eb.Subscribe(Filter{})
	_, c2 := eb.Subscribe(Filter{})
	if n := eb.SubscriberCount(); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}
	c1()
	c1() // idempotent
	if n := eb.SubscriberCount(); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
	c2()
}

func TestFilterMatches(t *testing.T) {
	ev := Event{Type: "job", SubType: "failed", JobID: "abc"}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"type", Filter{Types: []string{"job"}}, true},
		{"other type", Filter{Types: []string{"health"}}, false},
		{"compound", Filter{Types: []string{"job:failed"}}, true},
		{"compound mismatch", Filter{Types: []string{"job:succeeded"}}, false},
		{"job id", Filter{JobIDs: []string{"abc"}}, true},
		{"job id mismatch", Filter{JobIDs: []string{"xyz"}}, false},
		{"both", Filter{Types: []string{" job "}, JobIDs: []string{"xyz", "abc"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(ev); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilteredSubscriber(t *testing.T) {
	eb := NewEventBus(16)
	ch, cancel := eb.Subscribe(Filter{JobIDs: []string{"b"}})
	defer cancel()

	eb.Publish(EventData{Type: "job", JobID: "a", Payload: 1})
	eb.Publish(EventData{Type: "job", JobID: "b", Payload: 2})

	e := <-ch
	if e.JobID != "b" {
		t.Errorf("JobID = %q, want b", e.JobID)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected extra event %+v", extra)
	default:
	}
}

func TestReplaySince(t *testing.T) {
	eb := NewEventBus(3)
	var ids []string
	ch, cancel := eb.Subscribe(Filter{})
	defer cancel()
	for i := 0; i < 5; i++ {
		eb.Publish(EventData{Type: "job", Payload: i})
		ids = append(ids, (<-ch).ID)
	}

	// ring holds the last three events: 2, 3, 4
	got := eb.ReplaySince(ids[2], Filter{})
	if len(got) != 2 || got[0].ID != ids[3] || got[1].ID != ids[4] {
		t.Errorf("ReplaySince(ids[2]) = %+v", got)
	}
	if got := eb.ReplaySince(ids[0], Filter{}); len(got) != 0 {
		t.Errorf("evicted ID should replay nothing, got %d", len(got))
	}
	if got := eb.ReplaySince("", Filter{}); len(got) != 3 {
		t.Errorf("empty ID should replay the ring, got %d", len(got))
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	eb := NewEventBus(8)
	_, cancel := eb.Subscribe(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			eb.Publish(EventData{Type: "job", Payload: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestPublishJob(t *testing.T) {
	eb := NewEventBus(4)
	ch, cancel := eb.Subscribe(Filter{Types: []string{"job:succeeded"}})
	defer cancel()

	eb.PublishJob(render.Snapshot{ID: "j1", Status: render.StatusRunning})
	eb.PublishJob(render.Snapshot{ID: "j1", Status: render.StatusSucceeded})

	e := <-ch
	if e.SubType != "succeeded" || e.JobID != "j1" {
		t.Fatalf("unexpected event %+v", e)
	}
	var snap render.Snapshot
	if err := json.Unmarshal(e.Data, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != render.StatusSucceeded {
		t.Errorf("payload status = %q", snap.Status)
	}
}

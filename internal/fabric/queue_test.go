package fabric

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"threatnet-coordinator/internal/model"
)

func statusEnv(i int) model.Envelope {
	raw, _ := json.Marshal(map[string]any{"n": i})
	return model.Envelope{Event: model.EventClientStatus, Data: raw}
}

func verifiedEnv(id string) model.Envelope {
	raw, _ := json.Marshal(map[string]string{"ioc_id": id})
	return model.Envelope{Event: model.EventIOCVerified, Data: raw}
}

func TestQueueFIFO(t *testing.T) {
	q := newOutQueue(8)
	for i := 0; i < 5; i++ {
		if err := q.push(statusEnv(i), true); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		env, ok := q.pop()
		if !ok {
			t.Fatal("queue closed unexpectedly")
		}
		var payload map[string]int
		_ = json.Unmarshal(env.Data, &payload)
		if payload["n"] != i {
			t.Errorf("delivery out of order: want %d got %d", i, payload["n"])
		}
	}
}

func TestOverflowDropsOldestStatusFirst(t *testing.T) {
	// Saturate the queue with droppable status events.
	q := newOutQueue(4)
	for i := 0; i < 4; i++ {
		if err := q.push(statusEnv(i), true); err != nil {
			t.Fatal(err)
		}
	}

	// A verification event must be admitted by dropping the oldest
	// status event.
	if err := q.push(verifiedEnv("ioc-1"), false); err != nil {
		t.Fatalf("verification event should be admitted: %v", err)
	}

	if q.len() != 4 {
		t.Fatalf("queue should stay at capacity, len=%d", q.len())
	}
	// First out is now status #1; status #0 was sacrificed.
	env, _ := q.pop()
	var payload map[string]int
	_ = json.Unmarshal(env.Data, &payload)
	if env.Event != model.EventClientStatus || payload["n"] != 1 {
		t.Errorf("expected status #1 first, got %s %v", env.Event, payload)
	}
	// The verification event is last, still present.
	var last model.Envelope
	for q.len() > 0 {
		last, _ = q.pop()
	}
	if last.Event != model.EventIOCVerified {
		t.Errorf("verification event lost, last was %s", last.Event)
	}
}

func TestOverflowFullOfUndroppablesClosesPolicy(t *testing.T) {
	q := newOutQueue(4)
	for i := 0; i < 4; i++ {
		if err := q.push(verifiedEnv(fmt.Sprintf("ioc-%d", i)), false); err != nil {
			t.Fatal(err)
		}
	}

	// No droppable slot: the push must fail so the hub can close the
	// session.
	err := q.push(verifiedEnv("ioc-overflow"), false)
	if !errors.Is(err, errQueueFull) {
		t.Fatalf("expected errQueueFull, got %v", err)
	}

	// An incoming droppable event is silently discarded instead.
	if err := q.push(statusEnv(99), true); err != nil {
		t.Fatalf("droppable push against a full queue should be a silent drop: %v", err)
	}
	if q.len() != 4 {
		t.Errorf("silent drop must not grow the queue, len=%d", q.len())
	}
}

func TestPopAfterCloseDrains(t *testing.T) {
	q := newOutQueue(4)
	_ = q.push(statusEnv(0), true)
	q.close()

	// Residual items drain first, then pop reports closed.
	if _, ok := q.pop(); !ok {
		t.Error("residual item should drain after close")
	}
	if _, ok := q.pop(); ok {
		t.Error("empty closed queue should report closed")
	}
	if err := q.push(statusEnv(1), true); !errors.Is(err, errQueueClosed) {
		t.Errorf("push after close should fail, got %v", err)
	}
}

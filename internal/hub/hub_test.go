package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dyike/TradeFlowGo/models"
)

func TestPublishDeliversFullSnapshot(t *testing.T) {
	h := New(0, nil)
	defer h.Shutdown()

	ch := h.Subscribe("s1")
	h.Publish("s1", &models.Session{ID: "s1", Ticker: "600519", Status: models.StatusRunning})

	select {
	case frame := <-ch:
		if frame.Event != FrameSnapshot {
			t.Fatalf("frame event = %s, want snapshot", frame.Event)
		}
		var got models.Session
		if err := json.Unmarshal(frame.Data, &got); err != nil {
			t.Fatalf("unmarshal snapshot: %v", err)
		}
		if got.ID != "s1" || got.Status != models.StatusRunning {
			t.Fatalf("snapshot = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no frame delivered")
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	h := New(0, nil)
	defer h.Shutdown()

	ch := h.Subscribe("s1")
	for i := 0; i < 10; i++ {
		h.Publish("s1", &models.Session{ID: "s1", Progress: make([]string, i)})
	}

	for i := 0; i < 10; i++ {
		frame := <-ch
		var got models.Session
		if err := json.Unmarshal(frame.Data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(got.Progress) != i {
			t.Fatalf("frame %d carries progress len %d", i, len(got.Progress))
		}
	}
}

func TestPublishToOtherSessionNotDelivered(t *testing.T) {
	h := New(0, nil)
	defer h.Shutdown()

	ch := h.Subscribe("s1")
	h.Publish("s2", &models.Session{ID: "s2"})

	select {
	case frame, ok := <-ch:
		if ok {
			t.Fatalf("unexpected frame %+v", frame)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberPruned(t *testing.T) {
	h := New(0, nil)
	defer h.Shutdown()

	ch := h.Subscribe("s1")
	// Fill the buffer and one more; the overflowing publish must prune.
	for i := 0; i <= subscriberBuffer; i++ {
		h.Publish("s1", &models.Session{ID: "s1"})
	}

	if got := h.SubscriberCount("s1"); got != 0 {
		t.Fatalf("subscriber count = %d, want 0 after prune", got)
	}
	// The channel must have been closed after draining its buffer.
	for i := 0; i < subscriberBuffer; i++ {
		<-ch
	}
	if _, ok := <-ch; ok {
		t.Fatalf("pruned channel still open")
	}
}

func TestCloseAll(t *testing.T) {
	h := New(0, nil)
	defer h.Shutdown()

	ch1 := h.Subscribe("s1")
	ch2 := h.Subscribe("s1")
	h.CloseAll("s1")

	if _, ok := <-ch1; ok {
		t.Fatalf("ch1 still open after CloseAll")
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("ch2 still open after CloseAll")
	}
	if got := h.SubscriberCount("s1"); got != 0 {
		t.Fatalf("subscriber count = %d after CloseAll", got)
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	h := New(0, nil)
	defer h.Shutdown()

	ch := h.Subscribe("s1")
	h.Unsubscribe("s1", ch)
	h.Unsubscribe("s1", ch)
}

func TestHeartbeatCarriesNoSessionData(t *testing.T) {
	h := New(10*time.Millisecond, nil)
	defer h.Shutdown()

	ch := h.Subscribe("s1")
	select {
	case frame := <-ch:
		if frame.Event != FrameHeartbeat {
			t.Fatalf("frame event = %s, want heartbeat", frame.Event)
		}
		if frame.Data != nil {
			t.Fatalf("heartbeat carries data: %q", frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no heartbeat received")
	}
}

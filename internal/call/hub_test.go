package call

import (
	"testing"
	"time"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	a, _ := h.Subscribe(4)
	b, cancelB := h.Subscribe(4)

	h.Publish(Update{CallID: "c1", State: StateRinging, At: time.Now()})
	cancelB()
	h.Publish(Update{CallID: "c1", State: StateAnswered, At: time.Now()})
	h.Close()

	var gotA []string
	for u := range a {
		gotA = append(gotA, u.State)
	}
	if len(gotA) != 2 || gotA[0] != StateRinging || gotA[1] != StateAnswered {
		t.Errorf("subscriber a got %v, want [ringing answered]", gotA)
	}

	var gotB []string
	for u := range b {
		gotB = append(gotB, u.State)
	}
	if len(gotB) != 1 {
		t.Errorf("subscriber b got %v, want only the first update", gotB)
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	slow, _ := h.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(Update{State: StateActive})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	h.Close()

	n := 0
	for range slow {
		n++
	}
	if n != 1 {
		t.Errorf("slow subscriber received %d updates, want 1", n)
	}
}

func TestHubSubscribeAfterClose(t *testing.T) {
	h := NewHub()
	h.Close()
	h.Close()
	ch, cancel := h.Subscribe(1)
	cancel()
	if _, ok := <-ch; ok {
		t.Error("subscription on a closed hub should be closed")
	}
	h.Publish(Update{State: StateActive})
}

package sessions

import (
	"context"
	"testing"
	"time"
)

func TestTracker_RefusesSecondRelayForSameSession(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	release, ok := tr.Acquire("s1", Handle{})
	if !ok {
		t.Fatal("first Acquire refused")
	}
	if _, ok := tr.Acquire("s1", Handle{}); ok {
		t.Fatal("second Acquire for same session succeeded")
	}
	if got := tr.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}

	release()
	if got := tr.Count(); got != 0 {
		t.Fatalf("Count() after release = %d, want 0", got)
	}

	if _, ok := tr.Acquire("s1", Handle{}); !ok {
		t.Fatal("Acquire after release refused")
	}
}

func TestTracker_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	release, ok := tr.Acquire("s1", Handle{})
	if !ok {
		t.Fatal("Acquire refused")
	}
	release()
	release()

	if got := tr.Count(); got != 0 {
		t.Fatalf("Count() = %d, want 0", got)
	}
}

func TestTracker_CancelAllAndWait(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	canceled := make(chan string, 2)
	relA, _ := tr.Acquire("a", Handle{Cancel: func() { canceled <- "a" }})
	relB, _ := tr.Acquire("b", Handle{Cancel: func() { canceled <- "b" }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("CancelAll() = %d, want 2", n)
	}
	seen := map[string]bool{<-canceled: true, <-canceled: true}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("canceled sessions = %v", seen)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if tr.Wait(waitCtx) {
		t.Fatal("Wait returned true with relays still registered")
	}

	relA()
	relB()
	if !tr.Wait(context.Background()) {
		t.Fatal("Wait returned false after all releases")
	}
}

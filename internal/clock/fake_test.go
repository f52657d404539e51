package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresAtDeadline(t *testing.T) {
	c := Fake(time.Unix(1700000000, 0))
	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(1999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early count=%d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected one fire, got=%d", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot fired again count=%d", fired)
	}
}

func TestFakeStopCancels(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected stop of pending timer")
	}
	if timer.Stop() {
		t.Fatalf("second stop should report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("pending got=%d", c.PendingCount())
	}
}

func TestFakeAfterAndWaitForTimers(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan time.Time, 1)
	go func() {
		done <- <-c.After(5 * time.Second)
	}()
	c.WaitForTimers(1)
	c.Advance(5 * time.Second)
	select {
	case got := <-done:
		if !got.Equal(time.Unix(5, 0)) {
			t.Fatalf("fire time got=%v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("After did not fire")
	}
}

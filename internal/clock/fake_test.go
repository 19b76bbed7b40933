package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncOrder(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	c.Advance(3 * time.Second)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("fired = %v, want [a b]", fired)
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", c.Pending())
	}
	if got := c.Now(); !got.Equal(time.Unix(3, 0)) {
		t.Fatalf("Now = %v, want %v", got, time.Unix(3, 0))
	}
}

func TestFakeTimerStop(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop should report the timer was pending")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	count := 0
	var rearm func()
	rearm = func() {
		count++
		c.AfterFunc(time.Second, rearm)
	}
	c.AfterFunc(time.Second, rearm)

	c.Advance(5 * time.Second)
	if count != 5 {
		t.Fatalf("count = %d, want 5", count)
	}
}

func TestFakeTicker(t *testing.T) {
	t.Parallel()

	c := NewFake(time.Unix(0, 0))
	tk := c.NewTicker(100 * time.Millisecond)
	defer tk.Stop()

	c.Advance(50 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("tick before interval elapsed")
	default:
	}

	c.Advance(60 * time.Millisecond)
	select {
	case ts := <-tk.C():
		if !ts.Equal(time.Unix(0, int64(100*time.Millisecond))) {
			t.Fatalf("tick time = %v", ts)
		}
	default:
		t.Fatal("expected a tick")
	}
}

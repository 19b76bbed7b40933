package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/vigil/internal/careapi"
	"github.com/zsiec/vigil/internal/clock"
)

type fakeStatus struct {
	mu    sync.Mutex
	calls int
	err   error
	st    careapi.CameraStatus
}

func (f *fakeStatus) CameraStatus(context.Context, string) (*careapi.CameraStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	st := f.st
	return &st, nil
}

func (f *fakeStatus) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func TestPollOnceSuccess(t *testing.T) {
	t.Parallel()
	src := &fakeStatus{st: careapi.CameraStatus{
		Position:   careapi.PTZ{X: 0.2, Y: -0.1, Zoom: 0.5},
		MoveStatus: careapi.MoveStatus{PanTilt: careapi.MoveMoving, Zoom: careapi.MoveIdle},
	}}
	p := NewStatusPoller("cam", src, clock.NewFake(time.Unix(50, 0)), PollerConfig{}, nil)
	p.PollOnce(context.Background())

	st := p.State()
	if st.CommError || st.Position == nil || st.Position.Zoom != 0.5 || !st.Moving {
		t.Errorf("state = %+v", st)
	}
	if !st.LastPoll.Equal(time.Unix(50, 0)) {
		t.Errorf("LastPoll = %v", st.LastPoll)
	}
}

func TestPollFailuresSuspendAndRetry(t *testing.T) {
	t.Parallel()
	src := &fakeStatus{err: errors.New("unreachable")}
	p := NewStatusPoller("cam", src, clock.NewFake(time.Unix(0, 0)), PollerConfig{MaxFailures: 2}, nil)
	ctx := context.Background()

	p.PollOnce(ctx)
	st := p.State()
	if !st.CommError || st.Suspended || st.LastError != "unreachable" {
		t.Fatalf("after one failure: %+v", st)
	}
	p.PollOnce(ctx)
	if !p.State().Suspended {
		t.Fatal("not suspended after MaxFailures")
	}

	src.setErr(nil)
	p.resume()
	p.PollOnce(ctx)
	st = p.State()
	if st.CommError || st.Suspended || st.Failures != 0 {
		t.Errorf("after recovery: %+v", st)
	}
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	src := &fakeStatus{}
	c := clock.NewFake(time.Unix(0, 0))
	p := NewStatusPoller("cam", src, c, PollerConfig{Interval: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		src.mu.Lock()
		calls := src.calls
		src.mu.Unlock()
		if calls >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no initial poll")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

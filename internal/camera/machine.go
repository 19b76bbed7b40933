// Package camera owns one camera feed end to end: stream authorization,
// endpoint construction, playback strategy, the player status state machine,
// device status polling and PTZ step computation.
package camera

import (
	"time"

	"github.com/zsiec/vigil/internal/clock"
)

// Status is the player status of a camera feed.
type Status string

const (
	StatusLoading      Status = "loading"
	StatusWaiting      Status = "waiting"
	StatusPlaying      Status = "playing"
	StatusStopped      Status = "stopped"
	StatusUnauthorized Status = "unauthorized"
)

// Terminal reports whether the status needs an explicit reset to leave.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusUnauthorized
}

// Event drives status transitions.
type Event int

const (
	EventConnected Event = iota
	EventPlaying
	EventTimeout
	EventError
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventPlaying:
		return "playing"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	case EventReset:
		return "reset"
	}
	return "unknown"
}

// DefaultAuthWait is how long a connected feed may wait for its first frame
// before it is considered unauthorized.
const DefaultAuthWait = 5 * time.Second

var transitions = map[Status]map[Event]Status{
	StatusLoading: {
		EventConnected: StatusWaiting,
		EventTimeout:   StatusUnauthorized,
	},
	StatusWaiting: {
		EventPlaying: StatusPlaying,
		EventTimeout: StatusUnauthorized,
	},
}

// Next returns the status reached from s on e, and false when e does not
// apply in s. Error and reset apply in every status.
func Next(s Status, e Event) (Status, bool) {
	switch e {
	case EventError:
		return StatusStopped, true
	case EventReset:
		return StatusLoading, true
	}
	next, ok := transitions[s][e]
	return next, ok
}

// machine applies events and owns the one-shot authorization timer. It must
// only be used from the feed's event loop; post hands timer expiry back to
// that loop.
type machine struct {
	clock    clock.Clock
	post     func(func())
	authWait time.Duration
	onChange func(from, to Status, e Event)

	status Status
	gen    uint64
	timer  clock.Timer
}

func newMachine(c clock.Clock, post func(func()), authWait time.Duration, onChange func(from, to Status, e Event)) *machine {
	if authWait <= 0 {
		authWait = DefaultAuthWait
	}
	return &machine{
		clock:    c,
		post:     post,
		authWait: authWait,
		onChange: onChange,
		status:   StatusLoading,
	}
}

// apply performs the transition for e, reporting whether the status moved.
func (m *machine) apply(e Event) bool {
	next, ok := Next(m.status, e)
	if !ok {
		return false
	}
	m.stopTimer()
	from := m.status
	m.status = next
	if next == StatusWaiting {
		m.startTimer()
	}
	if from != next && m.onChange != nil {
		m.onChange(from, next, e)
	}
	return from != next
}

func (m *machine) startTimer() {
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.authWait, func() {
		m.post(func() {
			if m.gen == gen {
				m.apply(EventTimeout)
			}
		})
	})
}

// stopTimer cancels the pending timer; an expiry already posted to the loop
// is ignored through the generation check.
func (m *machine) stopTimer() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

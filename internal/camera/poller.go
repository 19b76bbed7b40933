package camera

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/vigil/internal/careapi"
	"github.com/zsiec/vigil/internal/clock"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxFailures  = 3
)

// StatusSource reads device status.
type StatusSource interface {
	CameraStatus(ctx context.Context, cameraID string) (*careapi.CameraStatus, error)
}

// PollerConfig configures a StatusPoller.
type PollerConfig struct {
	Interval time.Duration
	// MaxFailures is the number of consecutive failures after which
	// polling is suspended until Retry.
	MaxFailures int
}

// PollState is the communication state of a camera.
type PollState struct {
	// CommError is set while the last poll failed.
	CommError bool      `json:"comm_error"`
	Suspended bool      `json:"suspended"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastPoll  time.Time `json:"last_poll,omitzero"`

	Position *Position `json:"position,omitempty"`
	Moving   bool      `json:"moving"`
	// DeviceError is the error string reported by the device itself.
	DeviceError string `json:"device_error,omitempty"`
}

// StatusPoller periodically reads camera status. Failures raise a
// communication warning without affecting playback; repeated failures
// suspend polling until Retry is called.
type StatusPoller struct {
	log      *slog.Logger
	src      StatusSource
	clock    clock.Clock
	cameraID string
	config   PollerConfig
	retry    chan struct{}

	mu    sync.Mutex
	state PollState
}

// NewStatusPoller creates a poller. If log is nil, slog.Default() is used.
func NewStatusPoller(cameraID string, src StatusSource, c clock.Clock, config PollerConfig, log *slog.Logger) *StatusPoller {
	if log == nil {
		log = slog.Default()
	}
	if c == nil {
		c = clock.Real()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultMaxFailures
	}
	return &StatusPoller{
		log:      log.With("component", "camera-status", "camera", cameraID),
		src:      src,
		clock:    c,
		cameraID: cameraID,
		config:   config,
		retry:    make(chan struct{}, 1),
	}
}

// Run polls immediately and then every interval until ctx is done.
func (p *StatusPoller) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if p.State().Suspended {
				continue
			}
			p.PollOnce(ctx)
		case <-p.retry:
			p.resume()
			p.PollOnce(ctx)
		}
	}
}

// PollOnce performs a single status request and records the outcome.
func (p *StatusPoller) PollOnce(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, p.config.Interval)
	defer cancel()
	st, err := p.src.CameraStatus(reqCtx, p.cameraID)
	if err != nil && ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.LastPoll = p.clock.Now()
	if err != nil {
		p.state.Failures++
		p.state.CommError = true
		p.state.LastError = err.Error()
		if p.state.Failures >= p.config.MaxFailures && !p.state.Suspended {
			p.state.Suspended = true
			p.log.Warn("status polling suspended", "failures", p.state.Failures, "error", err)
		} else {
			p.log.Debug("status poll failed", "failures", p.state.Failures, "error", err)
		}
		return
	}
	p.state.Failures = 0
	p.state.CommError = false
	p.state.LastError = ""
	pos := st.Position
	p.state.Position = &pos
	p.state.Moving = st.Moving()
	p.state.DeviceError = st.Error
}

// Retry resumes suspended polling with an immediate request.
func (p *StatusPoller) Retry() {
	select {
	case p.retry <- struct{}{}:
	default:
	}
}

func (p *StatusPoller) resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Suspended {
		p.log.Info("status polling resumed")
	}
	p.state.Suspended = false
	p.state.Failures = 0
}

// State returns a copy of the current communication state.
func (p *StatusPoller) State() PollState {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.state
	if s.Position != nil {
		pos := *s.Position
		s.Position = &pos
	}
	return s
}

package camera

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/vigil/internal/clock"
	"github.com/zsiec/vigil/internal/eventloop"
	"github.com/zsiec/vigil/internal/mse"
	"github.com/zsiec/vigil/internal/playback"
	"github.com/zsiec/vigil/internal/session"
	"github.com/zsiec/vigil/internal/transport"
)

// DefaultHLSPollInterval paces live playlist probes on the segmented path.
const DefaultHLSPollInterval = time.Second

// TokenSource issues short-lived stream authorization tokens.
type TokenSource interface {
	StreamToken(ctx context.Context, cameraID string) (string, error)
}

// Device is a camera as linked to its gateway.
type Device struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name,omitempty" yaml:"name"`
	Gateway  string `json:"gateway" yaml:"gateway"`
	StreamID string `json:"stream_id" yaml:"stream_id"`
	Insecure bool   `json:"insecure,omitempty" yaml:"insecure"`
}

// FeedConfig tunes a Feed.
type FeedConfig struct {
	AuthWait        time.Duration
	TrailingWindow  time.Duration
	QueueCapacity   int
	HLSPollInterval time.Duration
	// UserAgent selects the playback strategy.
	UserAgent string
	Poller    PollerConfig
}

// FeedDeps are the collaborators of a Feed. Only Dialer is required.
type FeedDeps struct {
	Dialer transport.Dialer
	// Tokens may be nil, in which case streams are opened without a token.
	Tokens TokenSource
	// Status may be nil to disable device status polling.
	Status     StatusSource
	Users      session.Provider
	Clock      clock.Clock
	HTTPClient *http.Client
	// NewMediaSource creates the decode buffer for one connection attempt.
	// It defaults to an mse.MemorySource.
	NewMediaSource func(post func(func())) mse.MediaSource
	Log            *slog.Logger
}

// Snapshot is a point-in-time view of a feed.
type Snapshot struct {
	CameraID    string            `json:"camera_id"`
	Name        string            `json:"name,omitempty"`
	Status      Status            `json:"status"`
	StatusSince time.Time         `json:"status_since"`
	Strategy    playback.Strategy `json:"strategy,omitempty"`
	StreamURL   string            `json:"stream_url,omitempty"`
	PlaylistURL string            `json:"playlist_url,omitempty"`
	AttemptID   string            `json:"attempt_id,omitempty"`
	PlayedOn    time.Time         `json:"played_on,omitzero"`
	MediaTime   float64           `json:"media_time"`
	Delay       float64           `json:"delay"`
	Buffered    []mse.TimeRange   `json:"buffered,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Feeder      mse.Stats         `json:"feeder"`
	Comm        *PollState        `json:"comm,omitempty"`
	Watermark   string            `json:"watermark,omitempty"`
}

// Feed plays one camera. All state transitions happen on a single event
// loop goroutine started by Run; the exported methods are safe for
// concurrent use.
type Feed struct {
	log    *slog.Logger
	device Device
	config FeedConfig
	deps   FeedDeps
	clock  clock.Clock
	loop   *eventloop.Loop
	poller *StatusPoller

	stop     chan struct{}
	stopOnce sync.Once

	// Owned by the loop.
	ctx           context.Context
	m             *machine
	gen           uint64
	cancelAttempt context.CancelFunc
	endpoint      *Endpoint
	conn          transport.Conn
	feeder        *mse.Feeder
	mediaStart    float64
	haveStart     bool

	mu   sync.Mutex
	snap Snapshot
	live *mse.Feeder
}

// NewFeed creates a Feed for device. Call Run to start it.
func NewFeed(device Device, config FeedConfig, deps FeedDeps) *Feed {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "camera-feed", "camera", device.ID)
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Dialer == nil {
		deps.Dialer = transport.NewWebSocket(transport.WebSocketConfig{InsecureSkipVerify: device.Insecure}, log)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if deps.NewMediaSource == nil {
		deps.NewMediaSource = func(post func(func())) mse.MediaSource {
			return mse.NewMemorySource(post, log)
		}
	}
	if config.HLSPollInterval <= 0 {
		config.HLSPollInterval = DefaultHLSPollInterval
	}

	f := &Feed{
		log:    log,
		device: device,
		config: config,
		deps:   deps,
		clock:  deps.Clock,
		loop:   eventloop.New(),
		stop:   make(chan struct{}),
	}
	f.m = newMachine(f.clock, f.loop.Post, config.AuthWait, f.statusChanged)
	f.snap = Snapshot{
		CameraID:    device.ID,
		Name:        device.Name,
		Status:      StatusLoading,
		StatusSince: f.clock.Now(),
	}
	if deps.Status != nil {
		f.poller = NewStatusPoller(device.ID, deps.Status, f.clock, config.Poller, log)
	}
	return f
}

// Device returns the device the feed plays.
func (f *Feed) Device() Device { return f.device }

// Run mounts the feed and processes its events until ctx is done or Close
// is called. The transport, decode buffer and timers are released before
// Run returns.
func (f *Feed) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	f.start(gctx)
	if f.poller != nil {
		g.Go(func() error { return f.poller.Run(gctx) })
	}
	g.Go(func() error {
		f.loop.Run(gctx)
		f.shutdown()
		return nil
	})
	return g.Wait()
}

// start binds the feed to ctx and queues the initial mount.
func (f *Feed) start(ctx context.Context) {
	f.ctx = ctx
	f.loop.Post(f.mount)
}

// Close stops Run. It is idempotent.
func (f *Feed) Close() {
	f.stopOnce.Do(func() { close(f.stop) })
}

// Reset tears down the current attempt, clears the stream endpoint and
// returns the feed to loading with a fresh token request.
func (f *Feed) Reset() {
	f.loop.Post(f.reset)
}

// RetryStatus resumes suspended device status polling. It reports false
// when the feed has no status source.
func (f *Feed) RetryStatus() bool {
	if f.poller == nil {
		return false
	}
	f.poller.Retry()
	return true
}

// Snapshot returns the current feed state.
func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	s := f.snap
	live := f.live
	f.mu.Unlock()

	s.Buffered = append([]mse.TimeRange(nil), s.Buffered...)
	if live != nil {
		s.Feeder = live.Stats()
	}
	if s.Status == StatusPlaying {
		s.Delay = CalculateDelay(s.PlayedOn, s.MediaTime, f.clock.Now())
	}
	if f.poller != nil {
		st := f.poller.State()
		s.Comm = &st
	}
	return s
}

func (f *Feed) update(fn func(s *Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.snap)
}

func (f *Feed) mount() {
	f.gen++
	gen := f.gen
	actx, cancel := context.WithCancel(f.ctx)
	f.cancelAttempt = cancel

	attempt := uuid.NewString()
	f.update(func(s *Snapshot) {
		s.AttemptID = attempt
		s.LastError = ""
	})
	f.log.Debug("mounting", "attempt", attempt)

	go func() {
		token, err := f.fetchToken(actx)
		watermark := f.fetchWatermark(actx)
		f.loop.Post(func() {
			if gen != f.gen {
				return
			}
			f.connect(actx, gen, token, watermark, err)
		})
	}()
}

func (f *Feed) fetchToken(ctx context.Context) (string, error) {
	if f.deps.Tokens == nil {
		return "", nil
	}
	return f.deps.Tokens.StreamToken(ctx, f.device.ID)
}

func (f *Feed) fetchWatermark(ctx context.Context) string {
	if f.deps.Users == nil {
		return ""
	}
	u, err := f.deps.Users.CurrentUser(ctx)
	if err != nil {
		f.log.Debug("no user for watermark", "error", err)
		return ""
	}
	return session.Watermark(u)
}

func (f *Feed) connect(ctx context.Context, gen uint64, token, watermark string, tokenErr error) {
	if tokenErr != nil {
		f.fail(fmt.Errorf("camera: stream token: %w", tokenErr))
		return
	}
	ep := Endpoint{
		TransportAddress: f.device.Gateway,
		StreamID:         f.device.StreamID,
		AuthToken:        token,
		Insecure:         f.device.Insecure,
	}
	streamURL, err := ep.URL()
	if err != nil {
		f.fail(err)
		return
	}
	f.endpoint = &ep

	strategy := playback.ChooseStrategy(f.config.UserAgent)
	f.update(func(s *Snapshot) {
		s.Strategy = strategy
		s.StreamURL = ep.RedactedURL()
		s.Watermark = watermark
	})
	f.log.Info("connecting", "strategy", strategy, "url", ep.RedactedURL())

	switch strategy {
	case playback.SegmentedHTTP:
		f.startHLS(ctx, gen, streamURL, ep)
	default:
		f.startMSE(ctx, gen, streamURL)
	}
}

func (f *Feed) startMSE(ctx context.Context, gen uint64, streamURL string) {
	src := f.deps.NewMediaSource(f.loop.Post)
	f.feeder = mse.NewFeeder(src, mse.FeederConfig{
		TrailingWindow: f.config.TrailingWindow,
		QueueCapacity:  f.config.QueueCapacity,
		OnError:        f.fail,
		OnPlaying:      func() { f.m.apply(EventPlaying) },
		OnBuffered:     f.buffered,
	}, f.log)
	f.mu.Lock()
	f.live = f.feeder
	f.mu.Unlock()

	f.conn = f.deps.Dialer.Connect(ctx, streamURL, transport.Handlers{
		OnOpen: func() {
			f.loop.Post(func() {
				if gen == f.gen {
					f.connected()
				}
			})
		},
		OnMessage: func(data []byte) {
			f.loop.Post(func() {
				if gen == f.gen && f.feeder != nil {
					f.feeder.Push(data)
				}
			})
		},
		OnError: func(err error) {
			f.loop.Post(func() {
				if gen == f.gen {
					f.fail(fmt.Errorf("camera: transport: %w", err))
				}
			})
		},
	})
}

func (f *Feed) startHLS(ctx context.Context, gen uint64, streamURL string, ep Endpoint) {
	playlistURL, err := playback.HLSURL(streamURL)
	if err != nil {
		f.fail(err)
		return
	}
	redacted, _ := playback.HLSURL(ep.RedactedURL())
	f.update(func(s *Snapshot) { s.PlaylistURL = redacted })
	go f.pollPlaylist(ctx, gen, playlistURL)
}

// pollPlaylist probes the live playlist until it lists a media segment, the
// probe fails, or the attempt ends.
func (f *Feed) pollPlaylist(ctx context.Context, gen uint64, playlistURL string) {
	ticker := f.clock.NewTicker(f.config.HLSPollInterval)
	defer ticker.Stop()
	for {
		pl, err := playback.FetchPlaylist(ctx, f.deps.HTTPClient, playlistURL)
		if ctx.Err() != nil {
			return
		}
		done := make(chan bool, 1)
		f.loop.Post(func() {
			if gen != f.gen {
				done <- true
				return
			}
			done <- f.playlistResult(pl, err)
		})
		select {
		case <-ctx.Done():
			return
		case stop := <-done:
			if stop {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func (f *Feed) playlistResult(pl *playback.Playlist, err error) bool {
	if err != nil {
		f.fail(fmt.Errorf("camera: hls: %w", err))
		return true
	}
	if f.m.status == StatusLoading {
		f.connected()
	}
	if pl.Playable() {
		f.m.apply(EventPlaying)
		f.update(func(s *Snapshot) { s.MediaTime = pl.Duration().Seconds() })
		return true
	}
	return f.m.status.Terminal()
}

func (f *Feed) connected() {
	now := f.clock.Now()
	f.update(func(s *Snapshot) { s.PlayedOn = now })
	f.m.apply(EventConnected)
}

func (f *Feed) buffered(ranges []mse.TimeRange) {
	if len(ranges) == 0 {
		return
	}
	if !f.haveStart {
		f.mediaStart = ranges[0].Start
		f.haveStart = true
	}
	edge := ranges[len(ranges)-1].End
	f.update(func(s *Snapshot) {
		s.Buffered = append(s.Buffered[:0:0], ranges...)
		s.MediaTime = edge - f.mediaStart
	})
}

func (f *Feed) fail(err error) {
	f.log.Warn("feed error", "error", err)
	f.update(func(s *Snapshot) { s.LastError = err.Error() })
	f.m.apply(EventError)
}

func (f *Feed) statusChanged(from, to Status, e Event) {
	now := f.clock.Now()
	f.update(func(s *Snapshot) {
		s.Status = to
		s.StatusSince = now
	})
	f.log.Info("status changed", "from", from, "to", to, "event", e.String())
	if to.Terminal() {
		gen := f.gen
		f.loop.Post(func() {
			if gen == f.gen {
				f.teardown()
			}
		})
	}
}

func (f *Feed) reset() {
	f.teardown()
	f.endpoint = nil
	f.update(func(s *Snapshot) {
		s.StreamURL = ""
		s.PlaylistURL = ""
		s.Strategy = ""
		s.PlayedOn = time.Time{}
		s.MediaTime = 0
		s.Buffered = nil
		s.Feeder = mse.Stats{}
	})
	f.m.apply(EventReset)
	f.mount()
}

// teardown releases the current attempt's transport and decode buffer.
func (f *Feed) teardown() {
	f.gen++
	if f.cancelAttempt != nil {
		f.cancelAttempt()
		f.cancelAttempt = nil
	}
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
	if f.feeder != nil {
		f.feeder.Close()
		stats := f.feeder.Stats()
		f.mu.Lock()
		f.live = nil
		f.snap.Feeder = stats
		f.mu.Unlock()
		f.feeder = nil
	}
	f.haveStart = false
}

// shutdown runs on the loop goroutine after the loop has stopped.
func (f *Feed) shutdown() {
	f.teardown()
	f.m.stopTimer()
	f.log.Debug("feed stopped")
}

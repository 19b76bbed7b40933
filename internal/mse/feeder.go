package mse

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// DefaultTrailingWindow is how much content behind the live edge is kept.
const DefaultTrailingWindow = 15 * time.Second

// FeederConfig configures a Feeder.
type FeederConfig struct {
	TrailingWindow time.Duration
	QueueCapacity  int

	// OnError receives handshake, append, remove and overflow errors.
	OnError func(error)
	// OnPlaying fires once, the first time an update completes with
	// buffered content.
	OnPlaying func()
	// OnBuffered receives the buffered ranges after every completed update.
	OnBuffered func(ranges []TimeRange)
}

// Stats is a snapshot of feeder counters.
type Stats struct {
	Chunks        int64  `json:"chunks"`
	BytesReceived int64  `json:"bytes_received"`
	BytesAppended int64  `json:"bytes_appended"`
	Appends       int64  `json:"appends"`
	QueuedChunks  int64  `json:"queued_chunks"`
	Trims         int64  `json:"trims"`
	Errors        int64  `json:"errors"`
	MimeType      string `json:"mime_type,omitempty"`
}

// Feeder drives one SourceBuffer from a stream of media chunks. It is not
// safe for concurrent use: Push, Close and the source buffer callbacks must
// all run on the owner's goroutine. Stats may be called from any goroutine.
type Feeder struct {
	log    *slog.Logger
	config FeederConfig
	ms     MediaSource
	sb     SourceBuffer
	queue  *AppendQueue

	failed  bool
	closed  bool
	playing bool

	mime          atomic.Pointer[string]
	chunks        atomic.Int64
	bytesReceived atomic.Int64
	bytesAppended atomic.Int64
	appends       atomic.Int64
	queued        atomic.Int64
	trims         atomic.Int64
	errs          atomic.Int64
}

// NewFeeder creates a Feeder for ms. If log is nil, slog.Default() is used.
func NewFeeder(ms MediaSource, config FeederConfig, log *slog.Logger) *Feeder {
	if log == nil {
		log = slog.Default()
	}
	if config.TrailingWindow <= 0 {
		config.TrailingWindow = DefaultTrailingWindow
	}
	return &Feeder{
		log:    log.With("component", "mse-feeder"),
		config: config,
		ms:     ms,
		queue:  NewAppendQueue(config.QueueCapacity),
	}
}

// Push delivers one inbound chunk. The first non-empty chunk must be the
// codec handshake. Zero-length chunks are ignored.
func (f *Feeder) Push(chunk []byte) {
	if f.closed || f.failed || len(chunk) == 0 {
		return
	}
	f.chunks.Add(1)
	f.bytesReceived.Add(int64(len(chunk)))

	if f.sb == nil {
		f.handshake(chunk)
		return
	}

	if f.sb.Updating() || f.queue.Len() > 0 {
		if err := f.queue.Push(chunk); err != nil {
			f.report(err)
			return
		}
		f.queued.Add(1)
		return
	}
	f.append(chunk)
}

func (f *Feeder) handshake(chunk []byte) {
	if chunk[0] != HandshakeMarker {
		f.failed = true
		f.report(ErrMissingHandshake)
		return
	}
	codec := chunk[1:]
	if len(codec) == 0 || !utf8.Valid(codec) {
		f.failed = true
		f.report(ErrMalformedHandshake)
		return
	}

	mime := MimeType(string(codec))
	sb, err := f.ms.AddSourceBuffer(mime)
	if err != nil {
		f.failed = true
		f.report(&UnsupportedCodecError{MimeType: mime, Err: err})
		return
	}
	f.sb = sb
	f.mime.Store(&mime)
	sb.OnUpdateEnd(f.updateEnd)
	sb.OnError(func(err error) { f.report(&AppendError{Op: "decode", Err: err}) })
	f.log.Debug("source buffer created", "mime", mime)
}

func (f *Feeder) append(data []byte) {
	if err := f.sb.AppendBuffer(data); err != nil {
		f.report(&AppendError{Op: "append", Err: err})
		return
	}
	f.appends.Add(1)
	f.bytesAppended.Add(int64(len(data)))
}

// updateEnd flushes the queue in one append or, when nothing is pending,
// trims content older than the trailing window behind the live edge.
func (f *Feeder) updateEnd() {
	if f.closed || f.sb.Updating() {
		return
	}
	ranges := f.sb.Buffered()
	if f.config.OnBuffered != nil {
		f.config.OnBuffered(ranges)
	}
	if !f.playing && len(ranges) > 0 {
		f.playing = true
		if f.config.OnPlaying != nil {
			f.config.OnPlaying()
		}
		if f.closed {
			return
		}
	}

	if f.queue.Len() > 0 {
		f.append(f.queue.Take())
		return
	}
	if len(ranges) == 0 {
		return
	}

	start := ranges[0].Start
	cutoff := ranges[len(ranges)-1].End - f.config.TrailingWindow.Seconds()
	if cutoff <= start {
		return
	}
	if err := f.sb.Remove(start, cutoff); err != nil {
		f.report(&AppendError{Op: "remove", Err: err})
		return
	}
	f.trims.Add(1)
	if err := f.ms.SetLiveSeekableRange(cutoff, cutoff+f.config.TrailingWindow.Seconds()); err != nil {
		f.report(&AppendError{Op: "seekable range", Err: err})
	}
}

func (f *Feeder) report(err error) {
	f.errs.Add(1)
	if errors.Is(err, ErrQueueOverflow) {
		f.log.Warn("dropping chunk", "error", err)
	} else {
		f.log.Debug("feeder error", "error", err)
	}
	if f.config.OnError != nil {
		f.config.OnError(err)
	}
}

// Close aborts the source buffer, releases the queue and closes the media
// source. It is idempotent.
func (f *Feeder) Close() {
	if f.closed {
		return
	}
	f.closed = true
	f.queue.Reset()
	if f.sb != nil {
		if err := f.sb.Abort(); err != nil {
			f.log.Debug("abort failed", "error", err)
		}
	}
	if err := f.ms.Close(); err != nil {
		f.log.Debug("media source close failed", "error", err)
	}
}

// QueueLen reports the bytes waiting in the append queue.
func (f *Feeder) QueueLen() int { return f.queue.Len() }

// Stats returns a snapshot of the feeder counters.
func (f *Feeder) Stats() Stats {
	s := Stats{
		Chunks:        f.chunks.Load(),
		BytesReceived: f.bytesReceived.Load(),
		BytesAppended: f.bytesAppended.Load(),
		Appends:       f.appends.Load(),
		QueuedChunks:  f.queued.Load(),
		Trims:         f.trims.Load(),
		Errors:        f.errs.Load(),
	}
	if m := f.mime.Load(); m != nil {
		s.MimeType = *m
	}
	return s
}

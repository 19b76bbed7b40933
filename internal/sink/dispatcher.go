package sink

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/vigil/internal/clock"
	"github.com/zsiec/vigil/internal/vitals"
)

const (
	DefaultQueueCapacity  = 1024
	DefaultPublishTimeout = 5 * time.Second
)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	QueueCapacity  int
	PublishTimeout time.Duration
	// Waveforms forwards waveform chunks too. They are dropped by default
	// because of their volume.
	Waveforms bool
}

// DispatcherStats are cumulative counters.
type DispatcherStats struct {
	Queued    int   `json:"queued"`
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
}

// Dispatcher decouples monitors from publishers with a bounded queue. When
// the queue is full new records are dropped and counted.
type Dispatcher struct {
	log    *slog.Logger
	config DispatcherConfig
	clock  clock.Clock
	pubs   []Publisher
	queue  chan Record

	enqueued  atomic.Int64
	dropped   atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher creates a dispatcher fanning out to pubs. A nil clock uses
// the wall clock.
func NewDispatcher(config DispatcherConfig, clk clock.Clock, log *slog.Logger, pubs ...Publisher) *Dispatcher {
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = DefaultQueueCapacity
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = DefaultPublishTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:    log.With("component", "sink-dispatcher"),
		config: config,
		clock:  clk,
		pubs:   pubs,
		queue:  make(chan Record, config.QueueCapacity),
	}
}

// Observe enqueues an observation. Its signature matches
// vitals.MonitorDeps.OnObservation and it never blocks.
func (d *Dispatcher) Observe(device string, o vitals.Observation) {
	if o.Kind == vitals.KindWaveform && !d.config.Waveforms {
		return
	}
	d.Enqueue(Record{Device: device, Received: d.clock.Now(), Observation: o})
}

// Enqueue adds rec to the queue and reports false if it was dropped.
func (d *Dispatcher) Enqueue(rec Record) bool {
	if len(d.pubs) == 0 {
		return false
	}
	select {
	case d.queue <- rec:
		d.enqueued.Add(1)
		return true
	default:
		if n := d.dropped.Add(1); n == 1 || n%1000 == 0 {
			d.log.Warn("queue full, dropping records", "dropped", n)
		}
		return false
	}
}

// Run publishes queued records until ctx is done, then flushes what is
// still queued with a bounded deadline and closes the publishers.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-d.queue:
			d.publish(ctx, rec)
		case <-ctx.Done():
			d.flush()
			d.closePublishers()
			return nil
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.PublishTimeout)
	defer cancel()
	for {
		select {
		case rec := <-d.queue:
			d.publish(ctx, rec)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, rec Record) {
	for _, p := range d.pubs {
		pctx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
		err := p.Publish(pctx, rec)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.log.Debug("publish failed", "sink", p.Name(), "device", rec.Device, "kind", rec.Kind(), "error", err)
			continue
		}
		d.published.Add(1)
	}
}

func (d *Dispatcher) closePublishers() {
	for _, p := range d.pubs {
		if err := p.Close(); err != nil {
			d.log.Warn("close publisher", "sink", p.Name(), "error", err)
		}
	}
}

// Publishers returns the configured publisher names.
func (d *Dispatcher) Publishers() []string {
	names := make([]string, len(d.pubs))
	for i, p := range d.pubs {
		names[i] = p.Name()
	}
	return names
}

func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    len(d.queue),
		Enqueued:  d.enqueued.Load(),
		Dropped:   d.dropped.Load(),
		Published: d.published.Load(),
		Failed:    d.failed.Load(),
	}
}

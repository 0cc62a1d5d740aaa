// Package upload drains the sample queue into fixed-size batches and
// delivers them through a transport.
package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/heartlink/pkg/sample"
	"github.com/itohio/heartlink/pkg/transport"
	"github.com/itohio/heartlink/pkg/vitals"
)

// ErrAlreadyRunning is returned by Start on a running task.
var ErrAlreadyRunning = errors.New("upload: already running")

// Config holds batching and delivery settings.
type Config struct {
	UserID   string
	DeviceID string

	BatchSize  int
	WarmUp     time.Duration
	PopTimeout time.Duration

	BacklogSize int
	Eviction    Eviction

	// LogVitals runs every batch through the estimator and logs the result.
	LogVitals bool
	// ProgressEvery logs the batch fill level every N samples. Zero disables it.
	ProgressEvery int
}

// Stats counts delivery outcomes since the task was created.
type Stats struct {
	Samples    uint64 // taken from the queue
	Batches    uint64 // payloads built
	Sent       uint64 // payloads accepted by the transport, backlog included
	Failed     uint64 // sends that returned false
	Backlogged uint64 // payloads currently waiting for redelivery
	Evicted    uint64 // payloads given up by the backlog
}

// Task batches samples and hands them to a transport.
type Task struct {
	cfg       Config
	queue     *sample.Queue
	transport transport.Transport
	backlog   *Backlog
	now       func() time.Time
	log       *log.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	samples    atomic.Uint64
	batches    atomic.Uint64
	sent       atomic.Uint64
	failed     atomic.Uint64
	backlogged atomic.Uint64
	evicted    atomic.Uint64
}

// New creates a stopped task.
func New(q *sample.Queue, tr transport.Transport, cfg Config) *Task {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 400
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}

	return &Task{
		cfg:       cfg,
		queue:     q,
		transport: tr,
		backlog:   NewBacklog(cfg.BacklogSize, cfg.Eviction),
		now:       time.Now,
		log:       log.WithField("component", "upload"),
	}
}

// Start launches the batching loop after the warm-up delay.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running.Store(true)

	go t.run(runCtx, t.done)

	t.log.Info("upload started")
	return nil
}

// Stop halts the loop and waits for it to exit. The partially filled batch
// is discarded; the backlog is kept for the next run.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		return
	}
	t.cancel()
	<-t.done
	t.cancel, t.done = nil, nil
	t.log.Info("upload stopped")
}

// Running reports whether the loop is active.
func (t *Task) Running() bool {
	return t.running.Load()
}

// Stats returns a snapshot of the delivery counters.
func (t *Task) Stats() Stats {
	return Stats{
		Samples:    t.samples.Load(),
		Batches:    t.batches.Load(),
		Sent:       t.sent.Load(),
		Failed:     t.failed.Load(),
		Backlogged: t.backlogged.Load(),
		Evicted:    t.evicted.Load(),
	}
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer t.running.Store(false)

	if !sleep(ctx, t.cfg.WarmUp) {
		return
	}

	batch := make([]sample.Sample, 0, t.cfg.BatchSize)
	for {
		s, ok := t.queue.Pop(ctx, t.cfg.PopTimeout)
		if ctx.Err() != nil {
			return
		}
		if !ok {
			continue
		}

		batch = append(batch, s)
		t.samples.Add(1)
		if t.cfg.ProgressEvery > 0 && len(batch)%t.cfg.ProgressEvery == 0 {
			t.log.WithField("count", len(batch)).Debug("Sample Count")
		}
		if len(batch) < t.cfg.BatchSize {
			continue
		}

		t.deliver(ctx, batch)
		batch = batch[:0]
	}
}

func (t *Task) deliver(ctx context.Context, batch []sample.Sample) {
	data, err := Encode(NewPayload(t.cfg.UserID, t.cfg.DeviceID, t.now(), batch))
	if err != nil {
		t.log.WithError(err).Error("could not build payload")
		return
	}
	t.batches.Add(1)
	t.log.WithField("bytes", len(data)).Info("Payload ready")

	if t.cfg.LogVitals {
		t.log.WithField("vitals", vitals.Estimate(batch).String()).Info("Batch vitals")
	}

	if !t.transport.Connected() {
		t.log.Warn("transport not connected, deferring payload")
		t.park(data)
		return
	}
	if !t.transport.Send(ctx, data) {
		t.failed.Add(1)
		t.park(data)
		return
	}
	t.sent.Add(1)
	t.flush(ctx)
}

// park stores data in the backlog.
func (t *Task) park(data []byte) {
	if evicted := t.backlog.Add(data); evicted != nil {
		t.evicted.Add(1)
		t.log.WithFields(log.Fields{
			"bytes":  len(evicted),
			"policy": t.cfg.Eviction,
		}).Warn("backlog full, payload dropped")
	}
	t.backlogged.Store(uint64(t.backlog.Len()))
}

// flush resends backlogged payloads oldest first until one fails.
func (t *Task) flush(ctx context.Context) {
	defer func() { t.backlogged.Store(uint64(t.backlog.Len())) }()

	for ctx.Err() == nil && t.transport.Connected() {
		data, ok := t.backlog.Peek()
		if !ok {
			return
		}
		if !t.transport.Send(ctx, data) {
			t.failed.Add(1)
			return
		}
		t.backlog.Pop()
		t.sent.Add(1)
		t.log.WithField("pending", t.backlog.Len()).Info("backlogged payload delivered")
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Package acquire runs the periodic sensor polling loop that feeds the
// sample queue.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/heartlink/pkg/max30102"
	"github.com/itohio/heartlink/pkg/sample"
)

var (
	// ErrAlreadyRunning is returned by Start on a running task.
	ErrAlreadyRunning = errors.New("acquire: already running")
	// ErrSensorFatal is reported through OnFatal when consecutive bus
	// failures reach the threshold.
	ErrSensorFatal = errors.New("acquire: sensor failed")
)

// Sensor yields at most one sample per call.
type Sensor interface {
	ReadSampleIfReady() (sample.Sample, bool, error)
}

// Session powers the sensor for the lifetime of a run.
type Session interface {
	Start(ctx context.Context, deadline time.Duration) error
	Stop(ctx context.Context) error
}

// Ensure the driver satisfies the task's collaborators.
var (
	_ Sensor  = (*max30102.Device)(nil)
	_ Session = (*max30102.Session)(nil)
)

// Config holds loop timing and the failure threshold.
type Config struct {
	SampleInterval time.Duration
	Jitter         time.Duration
	RecoveryDelay  time.Duration
	ErrorThreshold int
}

// Hooks are optional callbacks invoked from the acquisition goroutine. They
// must not call Start or Stop.
type Hooks struct {
	// OnDrop is called for every sample rejected by a full queue.
	OnDrop func(s sample.Sample)
	// OnFatal is called once when the task halts on its own.
	OnFatal func(err error)
}

// Stats counts loop outcomes since the task was created.
type Stats struct {
	Samples uint64 // pushed into the queue
	Dropped uint64 // rejected by a full queue
	Empty   uint64 // polls without new data
	Errors  uint64 // failed reads
	Fatal   uint64 // halts caused by the error threshold
}

// Task polls the sensor and publishes samples into a queue.
type Task struct {
	cfg     Config
	sensor  Sensor
	session Session
	queue   *sample.Queue
	hooks   Hooks
	log     *log.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	samples atomic.Uint64
	dropped atomic.Uint64
	empty   atomic.Uint64
	errors  atomic.Uint64
	fatal   atomic.Uint64
}

// New creates a stopped task. session may be nil when the sensor needs no
// session management.
func New(sensor Sensor, session Session, q *sample.Queue, cfg Config, hooks Hooks) *Task {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Millisecond
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = 50 * time.Millisecond
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}

	return &Task{
		cfg:     cfg,
		sensor:  sensor,
		session: session,
		queue:   q,
		hooks:   hooks,
		log:     log.WithField("component", "acquire"),
	}
}

// Start opens an unbounded sensor session and launches the polling loop.
// The loop lives until Stop, cancellation of ctx, or the error threshold.
func (t *Task) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running.Load() {
		return ErrAlreadyRunning
	}
	// A previous loop that halted on its own has already exited.
	if t.done != nil {
		t.cancel()
		<-t.done
	}

	if t.session != nil {
		if err := t.session.Start(ctx, max30102.Forever); err != nil {
			return fmt.Errorf("acquire: could not start session: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running.Store(true)

	go t.run(runCtx, t.done)

	t.log.Info("acquisition started")
	return nil
}

// Stop halts the loop and waits for it to exit. Once Stop returns the task
// no longer touches the sensor or the queue.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done == nil {
		return
	}
	t.running.Store(false)
	t.cancel()
	<-t.done
	t.cancel, t.done = nil, nil

	t.stopSession()
	t.log.Info("acquisition stopped")
}

// Running reports whether the loop is active.
func (t *Task) Running() bool {
	return t.running.Load()
}

// Stats returns a snapshot of the loop counters.
func (t *Task) Stats() Stats {
	return Stats{
		Samples: t.samples.Load(),
		Dropped: t.dropped.Load(),
		Empty:   t.empty.Load(),
		Errors:  t.errors.Load(),
		Fatal:   t.fatal.Load(),
	}
}

func (t *Task) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer t.running.Store(false)

	failures := 0
	for {
		if !sleep(ctx, t.interval()) {
			return
		}

		s, ok, err := t.sensor.ReadSampleIfReady()
		switch {
		case err != nil:
			failures++
			t.errors.Add(1)
			t.log.WithError(err).Warnf("sensor read failed (%d/%d)", failures, t.cfg.ErrorThreshold)

			if failures >= t.cfg.ErrorThreshold {
				t.halt(failures, err)
				return
			}
			if !sleep(ctx, t.cfg.RecoveryDelay) {
				return
			}

		case !ok:
			t.empty.Add(1)

		default:
			failures = 0
			if t.queue.TryPush(s) {
				t.samples.Add(1)
				continue
			}
			t.dropped.Add(1)
			t.log.Debugf("queue full, dropping sample %s", s)
			if t.hooks.OnDrop != nil {
				t.hooks.OnDrop(s)
			}
		}
	}
}

func (t *Task) halt(failures int, cause error) {
	t.running.Store(false)
	t.fatal.Add(1)
	t.stopSession()

	err := fmt.Errorf("%w: %d consecutive errors: %w", ErrSensorFatal, failures, cause)
	t.log.WithError(cause).Errorf("critical failure after %d consecutive errors, stopping", failures)
	if t.hooks.OnFatal != nil {
		t.hooks.OnFatal(err)
	}
}

func (t *Task) stopSession() {
	if t.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := t.session.Stop(ctx); err != nil {
		t.log.WithError(err).Warn("could not stop session")
	}
}

func (t *Task) interval() time.Duration {
	if t.cfg.Jitter <= 0 {
		return t.cfg.SampleInterval
	}
	return t.cfg.SampleInterval + time.Duration(rand.Int63n(int64(t.cfg.Jitter)))
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

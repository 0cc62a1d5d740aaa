// Package control polls the remote side for start/stop commands and drives
// the acquisition and upload tasks accordingly.
package control

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/heartlink/pkg/acquire"
	"github.com/itohio/heartlink/pkg/sample"
	"github.com/itohio/heartlink/pkg/transport"
	"github.com/itohio/heartlink/pkg/upload"
)

// State is the controller's run state.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Task is a start/stop worker.
type Task interface {
	Start(ctx context.Context) error
	Stop()
}

var (
	_ Task = (*acquire.Task)(nil)
	_ Task = (*upload.Task)(nil)
)

// Config holds poll timing.
type Config struct {
	RunningPoll     time.Duration
	IdlePoll        time.Duration
	Jitter          time.Duration
	MaxCommandBytes int
}

// Controller is the command state machine. Step and Run must be called from
// one goroutine.
type Controller struct {
	cfg       Config
	transport transport.Transport
	acquire   Task
	upload    Task
	queue     *sample.Queue
	log       *log.Entry

	state atomic.Int32
}

// New creates an idle controller. acq may be nil when no sensor is present.
func New(tr transport.Transport, acq, up Task, q *sample.Queue, cfg Config) *Controller {
	if cfg.RunningPoll <= 0 {
		cfg.RunningPoll = 3 * time.Second
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 5 * time.Second
	}
	if cfg.MaxCommandBytes <= 0 {
		cfg.MaxCommandBytes = 128
	}

	return &Controller{
		cfg:       cfg,
		transport: tr,
		acquire:   acq,
		upload:    up,
		queue:     q,
		log:       log.WithField("component", "control"),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Run polls for commands until ctx ends. Running tasks are stopped before
// it returns.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("controller started")
	defer c.log.Info("controller stopped")

	for {
		c.Step(ctx)

		timer := time.NewTimer(c.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			if c.State() == Running {
				c.stop()
			}
			return nil
		case <-timer.C:
		}
	}
}

// Step performs one poll: reconnect if needed, fetch and apply a command.
func (c *Controller) Step(ctx context.Context) {
	if !c.transport.Connected() {
		if err := c.transport.Connect(ctx); err != nil {
			c.log.WithError(err).Debug("transport unreachable")
			return
		}
	}

	body, ok := c.transport.CheckCommand(ctx, c.cfg.MaxCommandBytes)
	if !ok {
		return
	}

	cmd := Parse(body)
	switch {
	case cmd == Start && c.State() == Idle:
		c.start(ctx)
	case cmd == Stop && c.State() == Running:
		c.stop()
	default:
		c.log.WithFields(log.Fields{"command": cmd, "state": c.State()}).Debug("command ignored")
	}
}

func (c *Controller) start(ctx context.Context) {
	c.log.Info("Start command received")

	if c.acquire == nil {
		c.log.Warn("sensor unavailable, uploading without acquisition")
	} else if err := c.acquire.Start(ctx); err != nil {
		c.log.WithError(err).Warn("sensor unavailable, uploading without acquisition")
	}

	if err := c.upload.Start(ctx); err != nil {
		c.log.WithError(err).Error("could not start upload")
		if c.acquire != nil {
			c.acquire.Stop()
		}
		return
	}
	c.state.Store(int32(Running))
}

func (c *Controller) stop() {
	c.log.Info("Stop command received")

	if c.acquire != nil {
		c.acquire.Stop()
	}
	c.upload.Stop()
	if n := c.queue.Reset(); n > 0 {
		c.log.WithField("samples", n).Info("queue cleared")
	}
	c.state.Store(int32(Idle))
}

func (c *Controller) interval() time.Duration {
	d := c.cfg.IdlePoll
	if c.State() == Running {
		d = c.cfg.RunningPoll
	}
	if c.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.cfg.Jitter)))
	}
	return d
}

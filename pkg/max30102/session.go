package max30102

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Forever starts a session without an auto-stop deadline.
const Forever time.Duration = 0

// ErrSessionClosed is returned by calls made after Close.
var ErrSessionClosed = errors.New("max30102: session closed")

// Initializer brings the sensor into a known measuring state.
type Initializer interface {
	Initialize() error
}

// Ensure Device implements Initializer.
var _ Initializer = (*Device)(nil)

type requestKind int

const (
	requestStart requestKind = iota
	requestStop
	requestExpire
)

type request struct {
	kind     requestKind
	deadline time.Duration
	gen      uint64
	reply    chan error
}

// Session serializes start and stop of the sensor. All session state is
// owned by one goroutine; deadline expiry arrives as a message tagged with
// the generation that armed it, so an old timer cannot stop a newer session.
type Session struct {
	dev     Initializer
	inbox   chan request
	quit    chan struct{}
	done    chan struct{}
	running atomic.Bool
	starts  atomic.Uint64
	once    sync.Once
	log     *log.Entry
}

// NewSession starts the session goroutine. Call Close to release it.
func NewSession(dev Initializer) *Session {
	s := &Session{
		dev:   dev,
		inbox: make(chan request),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log.WithField("component", "session"),
	}
	go s.loop()
	return s
}

// Start initializes the sensor and marks the session running. A positive
// deadline stops the session automatically once it elapses. Starting a
// running session does nothing.
func (s *Session) Start(ctx context.Context, deadline time.Duration) error {
	return s.call(ctx, request{kind: requestStart, deadline: deadline})
}

// Stop ends the session. Stopping an idle session does nothing. The sensor
// keeps its configuration; the next Start initializes it again.
func (s *Session) Stop(ctx context.Context) error {
	return s.call(ctx, request{kind: requestStop})
}

// Running reports whether a session is active.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Starts returns how many times the sensor has been initialized by Start.
func (s *Session) Starts() uint64 {
	return s.starts.Load()
}

// Close stops the session goroutine and any armed deadline.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

func (s *Session) call(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)

	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) loop() {
	defer close(s.done)

	var (
		timer *time.Timer
		gen   uint64
	)

	disarm := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		gen++
	}

	for {
		select {
		case <-s.quit:
			disarm()
			s.running.Store(false)
			return

		case req := <-s.inbox:
			switch req.kind {
			case requestStart:
				if s.running.Load() {
					req.reply <- nil
					continue
				}
				if err := s.dev.Initialize(); err != nil {
					req.reply <- fmt.Errorf("max30102: could not start session: %w", err)
					continue
				}
				s.starts.Add(1)
				disarm()
				s.running.Store(true)

				if req.deadline > 0 {
					armed := gen
					timer = time.AfterFunc(req.deadline, func() {
						select {
						case s.inbox <- request{kind: requestExpire, gen: armed}:
						case <-s.quit:
						}
					})
					s.log.Infof("session started (%s)", req.deadline)
				} else {
					s.log.Info("session started (no deadline)")
				}
				req.reply <- nil

			case requestStop:
				if s.running.Load() {
					disarm()
					s.running.Store(false)
					s.log.Info("session stopped")
				}
				req.reply <- nil

			case requestExpire:
				if req.gen != gen || !s.running.Load() {
					s.log.Debug("ignoring stale session deadline")
					continue
				}
				timer = nil
				gen++
				s.running.Store(false)
				s.log.Info("session deadline reached")
			}
		}
	}
}

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// DefaultBaudRate is the gateway's line rate.
const DefaultBaudRate = 115200

var (
	// ErrRejected is returned when the gateway answers ERR.
	ErrRejected = errors.New("transport: rejected by gateway")
	// ErrTimeout is returned when the gateway does not answer in time.
	ErrTimeout = errors.New("transport: gateway timeout")
)

// Port is the part of a serial port the gateway link needs.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Opener opens a named port.
type Opener func(name string, baud int) (Port, error)

func openSerial(name string, baud int) (Port, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// Ports returns the names of available serial ports.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Serial talks to a tethered gateway over a line protocol:
//
//	P\n                 ->  PONG
//	I <id> <payload>\n  ->  OK <id> | ERR <id>
//	C\n                 ->  CMD <body> | NONE
//
// The gateway forwards payloads to the ingest endpoint and relays commands.
type Serial struct {
	cfg  Config
	name string
	baud int
	open Opener
	log  *log.Entry

	mu   sync.Mutex
	port Port
	buf  []byte

	connected atomic.Bool
}

// NewSerial creates a gateway link on the named port. A nil opener uses the
// system serial driver.
func NewSerial(name string, baud int, cfg Config, open Opener) *Serial {
	cfg.defaults()
	if baud == 0 {
		baud = DefaultBaudRate
	}
	if open == nil {
		open = openSerial
	}
	return &Serial{
		cfg:  cfg,
		name: name,
		baud: baud,
		open: open,
		log:  log.WithFields(log.Fields{"component": "transport.serial", "port": name}),
	}
}

// Connect opens the port if needed and pings the gateway.
func (s *Serial) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		port, err := s.open(s.name, s.baud)
		if err != nil {
			return fmt.Errorf("%w: failed to open serial port %s: %w", ErrNotConnected, s.name, err)
		}
		s.port = port
		s.buf = s.buf[:0]
	}

	if _, err := s.exchange(ctx, "P\n", func(l string) bool { return l == "PONG" }); err != nil {
		s.reset()
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	if !s.connected.Swap(true) {
		s.log.Info("Connected")
	}
	return nil
}

func (s *Serial) Connected() bool {
	return s.connected.Load()
}

// Send forwards payload as one frame. Payload must not contain a newline.
func (s *Serial) Send(ctx context.Context, payload []byte) bool {
	if bytes.IndexByte(payload, '\n') >= 0 {
		s.log.Error("Payload contains a line break")
		return false
	}

	id := uuid.NewString()
	frame := "I " + id + " " + string(payload) + "\n"
	ok, fail := "OK "+id, "ERR "+id
	l := s.log.WithField("request_id", id)

	err := s.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.port == nil {
			return ErrNotConnected
		}
		line, err := s.exchange(ctx, frame, func(l string) bool { return l == ok || l == fail })
		if err == nil && line == fail {
			err = ErrRejected
		}
		if err != nil {
			l.WithError(err).WithField("attempt", attempt).Warn("Send failed")
		}
		return err
	})
	if err != nil {
		l.WithError(err).Error("Giving up on payload")
		return false
	}
	return true
}

// CheckCommand asks the gateway for the pending command.
func (s *Serial) CheckCommand(ctx context.Context, maxLen int) ([]byte, bool) {
	if !s.Connected() {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil, false
	}
	line, err := s.exchange(ctx, "C\n", func(l string) bool {
		return l == "NONE" || strings.HasPrefix(l, "CMD ")
	})
	if err != nil {
		return nil, false
	}
	body, found := strings.CutPrefix(line, "CMD ")
	if !found {
		return nil, false
	}
	return truncate([]byte(body), maxLen), true
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected.Store(false)
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// exchange writes req and returns the first line accepted by match. Other
// lines are stale replies and are skipped. Must be called with mu held.
func (s *Serial) exchange(ctx context.Context, req string, match func(string) bool) (string, error) {
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if _, err := io.WriteString(s.port, req); err != nil {
		s.reset()
		return "", fmt.Errorf("failed to write frame: %w", err)
	}

	for {
		line, err := s.readLine(ctx, deadline)
		if err != nil {
			if !errors.Is(err, ErrTimeout) && ctx.Err() == nil {
				s.reset()
			}
			return "", err
		}
		if match(line) {
			return line, nil
		}
		s.log.WithField("line", line).Debug("Skipping reply")
	}
}

func (s *Serial) readLine(ctx context.Context, deadline time.Time) (string, error) {
	chunk := make([]byte, 256)
	for {
		if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.buf[:i]))
			s.buf = s.buf[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return "", ErrTimeout
		}
		// Short reads keep the loop responsive to ctx.
		if err := s.port.SetReadTimeout(min(remain, 100*time.Millisecond)); err != nil {
			return "", fmt.Errorf("failed to set read timeout: %w", err)
		}
		n, err := s.port.Read(chunk)
		if err != nil {
			return "", fmt.Errorf("failed to read from serial port: %w", err)
		}
		s.buf = append(s.buf, chunk[:n]...)
	}
}

// reset drops a broken port so the next Connect reopens it. Must be called
// with mu held.
func (s *Serial) reset() {
	if s.port != nil {
		if err := s.port.Close(); err != nil {
			s.log.WithError(err).Debug("Error closing serial port")
		}
		s.port = nil
	}
	s.buf = s.buf[:0]
	if s.connected.Swap(false) {
		s.log.Warn("Disconnected")
	}
}

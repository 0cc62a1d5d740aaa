package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort emulates a gateway: every written line is passed to reply and the
// answer, if any, becomes readable.
type fakePort struct {
	mu      sync.Mutex
	reply   func(line string) string
	lines   []string
	in      chan []byte
	pending []byte
	timeout time.Duration
	closed  bool
}

func newFakePort(reply func(string) string) *fakePort {
	return &fakePort{reply: reply, in: make(chan []byte, 64), timeout: time.Second}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(b), "\n"), "\n") {
		p.lines = append(p.lines, line)
		if r := p.reply(line); r != "" {
			p.in <- []byte(r)
		}
	}
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.timeout
	p.mu.Unlock()

	if len(p.pending) == 0 {
		select {
		case data := <-p.in:
			p.pending = data
		case <-time.After(timeout):
			return 0, nil
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

// gateway answers pings and commands. The first reject payload frames get
// ERR, later ones a stale ack followed by the real one.
func gateway(reject int, command string) func(string) string {
	var mu sync.Mutex
	return func(line string) string {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case line == "P":
			return "PONG\n"
		case line == "C":
			if command == "" {
				return "NONE\n"
			}
			return "CMD " + command + "\n"
		case strings.HasPrefix(line, "I "):
			id := strings.Fields(line)[1]
			if reject > 0 {
				reject--
				return "ERR " + id + "\n"
			}
			return "OK stale\nOK " + id + "\n"
		}
		return ""
	}
}

func newSerial(port Port) *Serial {
	return NewSerial("/dev/fake", 0, Config{
		Timeout: 100 * time.Millisecond,
		Retry:   Backoff{Attempts: 3, Step: time.Millisecond},
	}, func(string, int) (Port, error) { return port, nil })
}

func TestSerial_Connect(t *testing.T) {
	port := newFakePort(gateway(0, ""))
	s := newSerial(port)

	require.NoError(t, s.Connect(context.Background()))
	assert.True(t, s.Connected())
	assert.Equal(t, []string{"P"}, port.Lines())

	require.NoError(t, s.Close())
	assert.False(t, s.Connected())
}

func TestSerial_ConnectOpenFails(t *testing.T) {
	s := NewSerial("/dev/missing", 0, Config{}, func(string, int) (Port, error) {
		return nil, errors.New("no such port")
	})
	assert.ErrorIs(t, s.Connect(context.Background()), ErrNotConnected)
	assert.False(t, s.Connected())
}

func TestSerial_ConnectSilentGateway(t *testing.T) {
	port := newFakePort(func(string) string { return "" })
	s := newSerial(port)

	assert.ErrorIs(t, s.Connect(context.Background()), ErrTimeout)
	assert.False(t, s.Connected())
}

func TestSerial_Send(t *testing.T) {
	port := newFakePort(gateway(0, ""))
	s := newSerial(port)
	require.NoError(t, s.Connect(context.Background()))

	assert.True(t, s.Send(context.Background(), []byte(`{"samples":[]}`)))

	lines := port.Lines()
	require.Len(t, lines, 2)
	fields := strings.SplitN(lines[1], " ", 3)
	require.Len(t, fields, 3)
	assert.Equal(t, "I", fields[0])
	assert.Equal(t, `{"samples":[]}`, fields[2])
}

func TestSerial_SendRetriesRejected(t *testing.T) {
	port := newFakePort(gateway(2, ""))
	s := newSerial(port)
	require.NoError(t, s.Connect(context.Background()))

	assert.True(t, s.Send(context.Background(), []byte("{}")))

	frames := 0
	var id string
	for _, l := range port.Lines() {
		if strings.HasPrefix(l, "I ") {
			frames++
			f := strings.Fields(l)[1]
			if id == "" {
				id = f
			}
			assert.Equal(t, id, f, "retries reuse the frame id")
		}
	}
	assert.Equal(t, 3, frames)
}

func TestSerial_SendGivesUp(t *testing.T) {
	port := newFakePort(gateway(10, ""))
	s := newSerial(port)
	require.NoError(t, s.Connect(context.Background()))

	assert.False(t, s.Send(context.Background(), []byte("{}")))
	assert.True(t, s.Connected(), "explicit rejections keep the link up")
}

func TestSerial_SendRejectsLineBreak(t *testing.T) {
	port := newFakePort(gateway(0, ""))
	s := newSerial(port)
	require.NoError(t, s.Connect(context.Background()))

	assert.False(t, s.Send(context.Background(), []byte("{\n}")))
	assert.Len(t, port.Lines(), 1)
}

func TestSerial_SendWriteError(t *testing.T) {
	port := newFakePort(gateway(0, ""))
	s := newSerial(port)
	require.NoError(t, s.Connect(context.Background()))

	port.Close()
	assert.False(t, s.Send(context.Background(), []byte("{}")))
	assert.False(t, s.Connected())
}

func TestSerial_CheckCommand(t *testing.T) {
	port := newFakePort(gateway(0, `{"version":1,"command":"stop"}`))
	s := newSerial(port)

	_, ok := s.CheckCommand(context.Background(), 128)
	assert.False(t, ok, "not connected")

	require.NoError(t, s.Connect(context.Background()))

	body, ok := s.CheckCommand(context.Background(), 128)
	require.True(t, ok)
	assert.Equal(t, `{"version":1,"command":"stop"}`, string(body))

	body, ok = s.CheckCommand(context.Background(), 3)
	require.True(t, ok)
	assert.Equal(t, `{"`, string(body))
}

func TestSerial_CheckCommandNone(t *testing.T) {
	port := newFakePort(gateway(0, ""))
	s := newSerial(port)
	require.NoError(t, s.Connect(context.Background()))

	_, ok := s.CheckCommand(context.Background(), 128)
	assert.False(t, ok)
}

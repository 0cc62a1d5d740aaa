// Package transport delivers batch payloads to the remote service and polls
// it for control commands.
package transport

import (
	"context"
	"time"
)

// Transport defines the interface for remote links (HTTP or a tethered
// serial gateway).
type Transport interface {
	// Connect checks that the remote side is reachable.
	Connect(ctx context.Context) error
	// Connected reports the result of the last reachability check or delivery.
	Connected() bool
	// Send delivers one payload, retrying internally. It reports true iff
	// the remote side accepted it.
	Send(ctx context.Context, payload []byte) bool
	// CheckCommand fetches the pending command body, truncated to maxLen-1
	// bytes. It reports false on any failure, including when not connected.
	CheckCommand(ctx context.Context, maxLen int) ([]byte, bool)
	Close() error
}

// Ensure implementations satisfy Transport.
var (
	_ Transport = (*HTTP)(nil)
	_ Transport = (*Serial)(nil)
)

// Config contains settings shared by all transports.
type Config struct {
	IngestURL  string
	ControlURL string
	APIKey     string

	// Timeout bounds every single attempt.
	Timeout time.Duration
	Retry   Backoff
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Step <= 0 {
		c.Retry.Step = 300 * time.Millisecond
	}
}

func truncate(b []byte, maxLen int) []byte {
	if maxLen <= 0 {
		return nil
	}
	if len(b) > maxLen-1 {
		return b[:maxLen-1]
	}
	return b
}

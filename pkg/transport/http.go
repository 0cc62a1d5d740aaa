package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	headerAPIKey    = "x-api-key"
	headerTimestamp = "timestamp"
	headerRequestID = "X-Request-Id"
)

var (
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("transport: unexpected status")
	// ErrNotConnected is returned when an operation needs a reachable peer.
	ErrNotConnected = errors.New("transport: not connected")
)

// HTTP posts payloads to the ingest endpoint and polls the control endpoint.
type HTTP struct {
	cfg    Config
	ingest *url.URL
	client *http.Client
	now    func() time.Time
	log    *log.Entry

	connected atomic.Bool
}

// NewHTTP creates an HTTP transport. Both URLs must be absolute.
func NewHTTP(cfg Config) (*HTTP, error) {
	cfg.defaults()

	ingest, err := url.Parse(cfg.IngestURL)
	if err != nil || ingest.Host == "" {
		return nil, fmt.Errorf("transport: invalid ingest url %q", cfg.IngestURL)
	}
	if u, err := url.Parse(cfg.ControlURL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid control url %q", cfg.ControlURL)
	}

	return &HTTP{
		cfg:    cfg,
		ingest: ingest,
		client: &http.Client{},
		now:    time.Now,
		log:    log.WithField("component", "transport.http"),
	}, nil
}

// Connect dials the ingest host to check reachability.
func (h *HTTP) Connect(ctx context.Context) error {
	host := h.ingest.Host
	if h.ingest.Port() == "" {
		port := "80"
		if h.ingest.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(h.ingest.Hostname(), port)
	}

	d := net.Dialer{Timeout: h.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		h.connected.Store(false)
		return fmt.Errorf("%w: dial %s: %w", ErrNotConnected, host, err)
	}
	conn.Close()

	if !h.connected.Swap(true) {
		h.log.WithField("host", host).Info("Connected")
	}
	return nil
}

func (h *HTTP) Connected() bool {
	return h.connected.Load()
}

// Send posts payload to the ingest endpoint. All attempts share one request
// id. A link that keeps failing below HTTP is marked disconnected.
func (h *HTTP) Send(ctx context.Context, payload []byte) bool {
	id := uuid.NewString()
	l := h.log.WithField("request_id", id)

	var linkErr bool
	err := h.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
		err := h.post(ctx, id, payload)
		if err != nil {
			linkErr = !errors.Is(err, ErrStatus)
			l.WithError(err).WithField("attempt", attempt).Warn("Send failed")
		}
		return err
	})
	if err != nil {
		if linkErr {
			h.connected.Store(false)
		}
		l.WithError(err).Error("Giving up on payload")
		return false
	}

	h.connected.Store(true)
	l.WithField("bytes", len(payload)).Debug("Payload delivered")
	return true
}

func (h *HTTP) post(ctx context.Context, id string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.IngestURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, h.cfg.APIKey)
	req.Header.Set(headerTimestamp, strconv.FormatInt(h.now().Unix(), 10))
	req.Header.Set(headerRequestID, id)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}
	return nil
}

// CheckCommand fetches the pending command. The body is truncated to
// maxLen-1 bytes.
func (h *HTTP) CheckCommand(ctx context.Context, maxLen int) ([]byte, bool) {
	if !h.Connected() {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.ControlURL, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set(headerAPIKey, h.cfg.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		h.log.WithError(err).Debug("Command poll failed")
		return nil, false
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.log.WithField("status", resp.StatusCode).Debug("Command poll rejected")
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(max(maxLen-1, 0))))
	if err != nil {
		return nil, false
	}
	return truncate(body, maxLen), true
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	h.connected.Store(false)
	return nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}

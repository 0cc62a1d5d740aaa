// Package pipeline wires the sensor, the tasks and the transport together
// from a configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/physic"

	"github.com/itohio/heartlink/pkg/acquire"
	"github.com/itohio/heartlink/pkg/bus"
	"github.com/itohio/heartlink/pkg/config"
	"github.com/itohio/heartlink/pkg/control"
	"github.com/itohio/heartlink/pkg/max30102"
	"github.com/itohio/heartlink/pkg/sample"
	"github.com/itohio/heartlink/pkg/transport"
	"github.com/itohio/heartlink/pkg/upload"
)

// Options override parts of the wiring.
type Options struct {
	// Mock replaces the I2C bus with a simulated sensor.
	Mock bool
	// Bus, when set, is used instead of opening one.
	Bus bus.RegisterBus
	// Transport, when set, is used instead of the configured one.
	Transport transport.Transport
}

// Pipeline holds every component of a running device.
type Pipeline struct {
	Device     *max30102.Device
	Session    *max30102.Session
	Queue      *sample.Queue
	Acquire    *acquire.Task
	Upload     *upload.Task
	Transport  transport.Transport
	Controller *control.Controller

	closers []io.Closer
}

// OpenBus returns the register bus selected by cfg: a simulated sensor when
// mock is set, the configured I2C bus otherwise.
func OpenBus(cfg *config.Config, mock bool) (bus.RegisterBus, io.Closer, error) {
	if mock {
		m := max30102.NewMock(&cfg.Mock)
		return m, m, nil
	}
	b, err := bus.Open(cfg.Sensor.Bus, cfg.Sensor.Address, physic.Frequency(cfg.Sensor.SpeedHz)*physic.Hertz)
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

// NewDevice builds a driver with the configured LED currents.
func NewDevice(cfg *config.Config, b bus.RegisterBus) *max30102.Device {
	return max30102.New(b, &max30102.Config{
		RedCurrent: cfg.Sensor.RedCurrent,
		IRCurrent:  cfg.Sensor.IRCurrent,
	})
}

// NewTransport builds the configured transport.
func NewTransport(cfg *config.Config) (transport.Transport, error) {
	tc := transport.Config{
		IngestURL:  cfg.Transport.IngestURL,
		ControlURL: cfg.Transport.ControlURL,
		APIKey:     cfg.Transport.APIKey,
		Timeout:    cfg.Transport.Timeout,
		Retry: transport.Backoff{
			Attempts: cfg.Transport.RetryMax,
			Step:     cfg.Transport.RetryBackoff,
		},
	}

	switch cfg.Transport.Kind {
	case config.TransportHTTP:
		return transport.NewHTTP(tc)
	case config.TransportSerial:
		return transport.NewSerial(cfg.Transport.Serial.Port, cfg.Transport.Serial.Baud, tc, nil), nil
	}
	return nil, fmt.Errorf("pipeline: unknown transport %q", cfg.Transport.Kind)
}

// Build validates cfg and assembles a pipeline. A sensor that cannot be
// reached is logged and left to the start command to retry.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid configuration: %w", err)
	}
	eviction, err := upload.ParseEviction(cfg.Upload.Eviction)
	if err != nil {
		return nil, err
	}

	l := log.WithField("component", "pipeline")
	p := &Pipeline{
		Queue: sample.NewQueue(cfg.Acquisition.QueueSize),
	}

	b := opts.Bus
	if b == nil {
		var closer io.Closer
		b, closer, err = OpenBus(cfg, opts.Mock)
		if err != nil {
			l.WithError(err).Warn("sensor unavailable, continuing without it")
		} else {
			p.closers = append(p.closers, closer)
		}
	}

	if b != nil {
		p.Device = NewDevice(cfg, b)
		if err := p.Device.InitializeWithRetry(ctx, cfg.Sensor.InitAttempts, cfg.Sensor.InitDelay); err != nil {
			l.WithError(err).Warn("sensor unavailable, continuing without it")
		}
		p.Session = max30102.NewSession(p.Device)
		p.closers = append(p.closers, p.Session)

		p.Acquire = acquire.New(p.Device, p.Session, p.Queue, acquire.Config{
			SampleInterval: cfg.Acquisition.SampleInterval,
			Jitter:         cfg.Acquisition.Jitter,
			RecoveryDelay:  cfg.Acquisition.RecoveryDelay,
			ErrorThreshold: cfg.Acquisition.ErrorThreshold,
		}, acquire.Hooks{
			OnFatal: func(err error) {
				l.WithError(err).Error("acquisition halted, send stop and start to retry")
			},
		})
	}

	p.Transport = opts.Transport
	if p.Transport == nil {
		if p.Transport, err = NewTransport(cfg); err != nil {
			p.Close()
			return nil, err
		}
	}
	p.closers = append(p.closers, p.Transport)

	p.Upload = upload.New(p.Queue, p.Transport, upload.Config{
		UserID:        cfg.Upload.UserID,
		DeviceID:      cfg.Upload.DeviceID,
		BatchSize:     cfg.Upload.BatchSize,
		WarmUp:        cfg.Upload.WarmUp,
		PopTimeout:    cfg.Upload.PopTimeout,
		BacklogSize:   cfg.Upload.BacklogSize,
		Eviction:      eviction,
		LogVitals:     cfg.Upload.LogVitals,
		ProgressEvery: cfg.Upload.ProgressEvery,
	})

	var acq control.Task
	if p.Acquire != nil {
		acq = p.Acquire
	}
	p.Controller = control.New(p.Transport, acq, p.Upload, p.Queue, control.Config{
		RunningPoll:     cfg.Control.RunningPoll,
		IdlePoll:        cfg.Control.IdlePoll,
		Jitter:          cfg.Control.Jitter,
		MaxCommandBytes: cfg.Transport.MaxCommandBytes,
	})

	return p, nil
}

// Run connects the transport and runs the controller until ctx ends.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Transport.Connect(ctx); err != nil {
		log.WithError(err).Warn("transport unreachable, will keep retrying")
	}
	return p.Controller.Run(ctx)
}

// Close releases the session, the transport and the bus.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

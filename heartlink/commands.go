package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/itohio/heartlink/pkg/acquire"
	"github.com/itohio/heartlink/pkg/config"
	"github.com/itohio/heartlink/pkg/max30102"
	"github.com/itohio/heartlink/pkg/pipeline"
	"github.com/itohio/heartlink/pkg/sample"
	"github.com/itohio/heartlink/pkg/transport"
	"github.com/itohio/heartlink/pkg/vitals"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the telemetry agent",
		Long: `Run connects to the remote service and waits for commands.
A start command powers the sensor and streams batches of samples; a stop
command halts both and clears pending samples.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			p, err := pipeline.Build(ctx, cfg, pipeline.Options{Mock: opts.mock})
			if err != nil {
				return err
			}
			defer p.Close()

			return p.Run(ctx)
		},
	}
}

func detectCmd(opts *options) *cobra.Command {
	var window int

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Collect one window of samples and print SpO2 and heart rate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if window <= 0 {
				return fmt.Errorf("invalid window size %d", window)
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			b, closer, err := pipeline.OpenBus(cfg, opts.mock)
			if err != nil {
				return fmt.Errorf("sensor unavailable: %w", err)
			}
			defer closer.Close()

			dev := pipeline.NewDevice(cfg, b)
			session := max30102.NewSession(dev)
			defer session.Close()

			q := sample.NewQueue(window)
			task := acquire.New(dev, session, q, acquire.Config{
				SampleInterval: cfg.Acquisition.SampleInterval,
				Jitter:         cfg.Acquisition.Jitter,
				RecoveryDelay:  cfg.Acquisition.RecoveryDelay,
				ErrorThreshold: cfg.Acquisition.ErrorThreshold,
			}, acquire.Hooks{})
			if err := task.Start(ctx); err != nil {
				return fmt.Errorf("sensor unavailable: %w", err)
			}
			defer task.Stop()

			samples, err := collect(ctx, task, q, window)
			if err != nil {
				return err
			}
			task.Stop()

			log.WithField("samples", len(samples)).Debug("window collected")
			fmt.Fprintln(cmd.OutOrStdout(), vitals.Estimate(samples))
			return nil
		},
	}
	cmd.Flags().IntVarP(&window, "samples", "n", 400, "Number of samples to collect")
	return cmd
}

func collect(ctx context.Context, task *acquire.Task, q *sample.Queue, n int) ([]sample.Sample, error) {
	samples := make([]sample.Sample, 0, n)
	for len(samples) < n {
		s, ok := q.Pop(ctx, time.Second)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !ok {
			if !task.Running() {
				return nil, errors.New("acquisition halted")
			}
			continue
		}
		samples = append(samples, s)
	}
	return samples, nil
}

func probeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Identify the sensor and list serial ports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			b, closer, err := pipeline.OpenBus(cfg, opts.mock)
			if err != nil {
				fmt.Fprintf(out, "sensor: unavailable (%v)\n", err)
			} else {
				defer closer.Close()
				probeSensor(cmd, pipeline.NewDevice(cfg, b))
			}

			ports, err := transport.Ports()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "serial ports: %d\n", len(ports))
			for _, p := range ports {
				fmt.Fprintf(out, "  %s\n", p)
			}
			return nil
		},
	}
}

func probeSensor(cmd *cobra.Command, dev *max30102.Device) {
	out := cmd.OutOrStdout()

	if err := dev.Verify(); err != nil {
		fmt.Fprintf(out, "sensor: %v\n", err)
		return
	}
	part, _ := dev.PartID()
	rev, err := dev.RevID()
	if err != nil {
		fmt.Fprintf(out, "sensor: %v\n", err)
		return
	}
	fmt.Fprintf(out, "sensor: MAX30102 part 0x%02X rev 0x%02X\n", part, rev)

	temp, err := dev.Temperature()
	if err != nil {
		fmt.Fprintf(out, "temperature: %v\n", err)
		return
	}
	fmt.Fprintf(out, "temperature: %.2f C\n", temp)
}

func initCmd() *cobra.Command {
	var (
		output    string
		printOnly bool
		overwrite bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Example: `  heartlink init --print
  heartlink init -o /etc/heartlink/config.yaml -y`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()

			if printOnly {
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(cfg)
			}

			if _, err := os.Stat(output); err == nil && !overwrite {
				return fmt.Errorf("%s already exists, use --yes to overwrite", output)
			}
			if err := cfg.Save(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "config.yaml", "Output file")
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the configuration to stdout")
	cmd.Flags().BoolVarP(&overwrite, "yes", "y", false, "Overwrite an existing file")
	return cmd
}

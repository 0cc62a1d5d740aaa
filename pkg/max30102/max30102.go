// Package max30102 drives a MAX30102 pulse-oximetry sensor through a
// register bus and owns its measurement session.
package max30102

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itohio/heartlink/pkg/bus"
	"github.com/itohio/heartlink/pkg/sample"
)

var (
	// ErrNotDevice is returned when the part ID does not match a MAX30102 (0x15).
	ErrNotDevice = errors.New("max30102: part ID does not match (0x15)")
	// ErrInitFailed is returned once every initialization attempt has failed.
	ErrInitFailed = errors.New("max30102: sensor unavailable")
	// ErrPartialConfig means the mode was changed but the LED currents were not.
	ErrPartialConfig = errors.New("max30102: partially configured")
	// ErrTempTimeout is returned when a die temperature conversion never completes.
	ErrTempTimeout = errors.New("max30102: temperature conversion timed out")
)

const tempPolls = 100

// Config holds the LED drive currents programmed on initialization.
type Config struct {
	RedCurrent byte
	IRCurrent  byte
}

// Device is a MAX30102 attached to a register bus.
type Device struct {
	bus bus.RegisterBus
	cfg Config
	log *log.Entry
}

// New returns a device on b. A nil cfg selects DefaultLEDCurrent for both LEDs.
// No bus traffic happens until Initialize.
func New(b bus.RegisterBus, cfg *Config) *Device {
	if cfg == nil {
		cfg = &Config{RedCurrent: DefaultLEDCurrent, IRCurrent: DefaultLEDCurrent}
	}
	return &Device{
		bus: b,
		cfg: *cfg,
		log: log.WithField("component", "max30102"),
	}
}

// Initialize resets the FIFO and programs interrupts, FIFO, SpO2 settings,
// LED currents and finally SpO2 mode.
func (d *Device) Initialize() error {
	if err := d.ResetFIFO(); err != nil {
		return fmt.Errorf("max30102: could not reset FIFO: %w", err)
	}

	steps := []struct {
		reg, value byte
	}{
		{IntEna1, intEnable1},
		{IntEna2, intEnable2},
		{FIFOCfg, fifoConfig},
		{SpO2Cfg, spo2Config},
	}
	for _, s := range steps {
		if err := d.bus.WriteReg(s.reg, s.value); err != nil {
			return fmt.Errorf("max30102: could not initialize: %w", err)
		}
	}

	if err := d.SetLEDCurrent(d.cfg.RedCurrent, d.cfg.IRCurrent); err != nil {
		return fmt.Errorf("max30102: could not initialize: %w", err)
	}
	if err := d.SetMode(ModeSpO2); err != nil {
		return fmt.Errorf("max30102: could not initialize: %w", err)
	}

	d.log.Debug("initialized")
	return nil
}

// InitializeWithRetry calls Initialize up to attempts times, waiting delay
// between failed attempts. The returned error wraps ErrInitFailed and the
// last bus failure.
func (d *Device) InitializeWithRetry(ctx context.Context, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = d.Initialize(); err == nil {
			return nil
		}
		d.log.WithError(err).Warnf("initialization attempt %d/%d failed", i, attempts)
		if i == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrInitFailed, ctx.Err())
		case <-time.After(delay):
		}
	}

	d.log.Errorf("initialization failed after %d attempts", attempts)
	return fmt.Errorf("%w: %w", ErrInitFailed, err)
}

// ResetFIFO zeroes the write pointer, overflow counter and read pointer.
// All three writes are attempted even if one fails.
func (d *Device) ResetFIFO() error {
	return errors.Join(
		d.bus.WriteReg(FIFOWrPtr, 0),
		d.bus.WriteReg(OvfCount, 0),
		d.bus.WriteReg(FIFORdPtr, 0),
	)
}

// SetMode writes the measurement mode.
func (d *Device) SetMode(m Mode) error {
	if err := d.bus.WriteReg(ModeCfg, byte(m)); err != nil {
		return err
	}
	d.log.Debugf("mode set to %s", m)
	return nil
}

// SetLEDCurrent writes the red (LED1) and IR (LED2) pulse amplitudes.
func (d *Device) SetLEDCurrent(red, ir byte) error {
	if err := d.bus.WriteReg(Led1PA, red); err != nil {
		return err
	}
	if err := d.bus.WriteReg(Led2PA, ir); err != nil {
		return err
	}
	d.log.Debugf("LED current set - red: %#02x, ir: %#02x", red, ir)
	return nil
}

// Configure sets the mode and then the LED currents. If only the mode could
// be written the error wraps ErrPartialConfig: the device runs in the new
// mode with its previous currents.
func (d *Device) Configure(m Mode, red, ir byte) error {
	if err := d.SetMode(m); err != nil {
		return fmt.Errorf("max30102: could not set mode: %w", err)
	}
	if err := d.SetLEDCurrent(red, ir); err != nil {
		return fmt.Errorf("%w: %w", ErrPartialConfig, err)
	}
	d.cfg = Config{RedCurrent: red, IRCurrent: ir}
	return nil
}

// ReadSampleIfReady reads one FIFO entry if the data ready flag is set.
// It returns false without error when no new sample is available.
func (d *Device) ReadSampleIfReady() (sample.Sample, bool, error) {
	status, err := d.bus.ReadReg(IntStat1)
	if err != nil {
		return sample.Sample{}, false, err
	}
	// Reading status 2 only clears pending flags.
	_, _ = d.bus.ReadReg(IntStat2)

	if status&NewFIFOData == 0 {
		return sample.Sample{}, false, nil
	}

	b, err := d.bus.BurstRead(FIFOData, FIFOEntrySize)
	if err != nil {
		return sample.Sample{}, false, err
	}
	if len(b) != FIFOEntrySize {
		return sample.Sample{}, false, fmt.Errorf("max30102: short FIFO read: want %d bytes, got %d", FIFOEntrySize, len(b))
	}

	return Decode([FIFOEntrySize]byte(b)), true, nil
}

// Decode converts a raw FIFO entry into red and IR intensities.
func Decode(b [FIFOEntrySize]byte) sample.Sample {
	return sample.Sample{
		Red: uint32(b[0]&msbMask)<<16 | uint32(b[1])<<8 | uint32(b[2]),
		IR:  uint32(b[3]&msbMask)<<16 | uint32(b[4])<<8 | uint32(b[5]),
	}
}

// Encode is the inverse of Decode. Bits above 18 are discarded.
func Encode(s sample.Sample) [FIFOEntrySize]byte {
	return [FIFOEntrySize]byte{
		byte(s.Red>>16) & msbMask, byte(s.Red >> 8), byte(s.Red),
		byte(s.IR>>16) & msbMask, byte(s.IR >> 8), byte(s.IR),
	}
}

// PartID returns the part identifier register.
func (d *Device) PartID() (byte, error) {
	part, err := d.bus.ReadReg(RegPartID)
	if err != nil {
		return 0, fmt.Errorf("max30102: could not get part ID: %w", err)
	}
	return part, nil
}

// RevID returns the revision ID of the device.
func (d *Device) RevID() (byte, error) {
	rev, err := d.bus.ReadReg(RegRevID)
	if err != nil {
		return 0, fmt.Errorf("max30102: could not get revision ID: %w", err)
	}
	return rev, nil
}

// Verify checks that the part ID matches a MAX30102.
func (d *Device) Verify() error {
	part, err := d.PartID()
	if err != nil {
		return err
	}
	if part != PartID {
		return fmt.Errorf("%w: got %#02x", ErrNotDevice, part)
	}
	return nil
}

// Temperature triggers a die temperature conversion and returns the result
// in degrees Celsius.
func (d *Device) Temperature() (float64, error) {
	if err := d.bus.WriteReg(TempCfg, tempEnable); err != nil {
		return 0, fmt.Errorf("max30102: could not enable temperature: %w", err)
	}

	done := false
	for i := 0; i < tempPolls; i++ {
		state, err := d.bus.ReadReg(TempCfg)
		if err != nil {
			return 0, fmt.Errorf("max30102: could not read temperature state: %w", err)
		}
		if state&tempEnable == 0 {
			done = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !done {
		return 0, ErrTempTimeout
	}

	i, err := d.bus.ReadReg(TempInt)
	if err != nil {
		return 0, fmt.Errorf("max30102: could not read integer part of temperature: %w", err)
	}
	f, err := d.bus.ReadReg(TempFrac)
	if err != nil {
		return 0, fmt.Errorf("max30102: could not read fractional part of temperature: %w", err)
	}

	return float64(int8(i)) + float64(f&0x0F)*0.0625, nil
}

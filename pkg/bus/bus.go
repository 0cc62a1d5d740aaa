// Package bus provides single-device register access over I²C.
//
// Every operation is one logical bus transaction: the register address is
// written first, then data is written or read. Nothing is cached and nothing
// is retried; failures are returned to the caller as *Error.
package bus

import (
	"fmt"
	"io"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// DefaultSpeed is the bus clock used when Open is given a zero frequency.
const DefaultSpeed = 100 * physic.KiloHertz

// RegisterBus reads and writes the registers of one fixed device.
type RegisterBus interface {
	WriteReg(reg, value byte) error
	ReadReg(reg byte) (byte, error)
	BurstRead(reg byte, n int) ([]byte, error)
}

// Error is a failed bus transaction.
type Error struct {
	Op  string
	Reg byte
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus: %s register %#02x: %v", e.Op, e.Reg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Ensure I2C implements RegisterBus.
var _ RegisterBus = (*I2C)(nil)

// I2C is a RegisterBus bound to one device address on an I²C bus.
type I2C struct {
	dev    *i2c.Dev
	closer io.Closer
}

// New binds an already opened bus to a device address.
func New(b i2c.Bus, addr uint16) *I2C {
	return &I2C{dev: &i2c.Dev{Bus: b, Addr: addr}}
}

// Open initializes the host drivers and opens the named bus ("/dev/i2c-1",
// "I2C1", "1"). An empty name selects the first available bus.
func Open(name string, addr uint16, speed physic.Frequency) (*I2C, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("bus: could not initialize host: %w", err)
	}

	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("bus: could not open %q: %w", name, err)
	}

	if speed == 0 {
		speed = DefaultSpeed
	}
	if err := b.SetSpeed(speed); err != nil {
		b.Close()
		return nil, fmt.Errorf("bus: could not set speed to %s: %w", speed, err)
	}

	d := New(b, addr)
	d.closer = b
	return d, nil
}

// Close releases the underlying bus if Open created it.
func (d *I2C) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// WriteReg writes one byte to a register.
func (d *I2C) WriteReg(reg, value byte) error {
	if err := d.dev.Tx([]byte{reg, value}, nil); err != nil {
		return &Error{Op: "write", Reg: reg, Err: err}
	}
	return nil
}

// ReadReg reads one byte from a register.
func (d *I2C) ReadReg(reg byte) (byte, error) {
	var b [1]byte
	if err := d.dev.Tx([]byte{reg}, b[:]); err != nil {
		return 0, &Error{Op: "read", Reg: reg, Err: err}
	}
	return b[0], nil
}

// BurstRead reads n consecutive bytes starting at a register.
func (d *I2C) BurstRead(reg byte, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := d.dev.Tx([]byte{reg}, b); err != nil {
		return nil, &Error{Op: "burst read", Reg: reg, Err: err}
	}
	return b, nil
}

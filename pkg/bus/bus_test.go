package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

const addr = 0x57

func TestI2C_WriteReg(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{0x09, 0x03}},
		},
		DontPanic: true,
	}
	d := New(pb, addr)

	require.NoError(t, d.WriteReg(0x09, 0x03))
	assert.NoError(t, pb.Close())
}

func TestI2C_ReadReg(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{0xFF}, R: []byte{0x15}},
		},
		DontPanic: true,
	}
	d := New(pb, addr)

	v, err := d.ReadReg(0xFF)
	require.NoError(t, err)
	assert.Equal(t, byte(0x15), v)
	assert.NoError(t, pb.Close())
}

func TestI2C_BurstRead(t *testing.T) {
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{0x07}, R: want},
		},
		DontPanic: true,
	}
	d := New(pb, addr)

	got, err := d.BurstRead(0x07, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, pb.Close())
}

func TestI2C_ErrorsAreNotRetried(t *testing.T) {
	// An empty playback fails every transaction.
	pb := &i2ctest.Playback{DontPanic: true}
	d := New(pb, addr)

	err := d.WriteReg(0x04, 0x00)
	require.Error(t, err)

	var be *Error
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "write", be.Op)
	assert.Equal(t, byte(0x04), be.Reg)
	assert.NotNil(t, be.Unwrap())

	_, err = d.ReadReg(0x00)
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "read", be.Op)

	_, err = d.BurstRead(0x07, 6)
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "burst read", be.Op)
}

func TestI2C_CloseWithoutOwnership(t *testing.T) {
	d := New(&i2ctest.Playback{DontPanic: true}, addr)
	assert.NoError(t, d.Close())
}

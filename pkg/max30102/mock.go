package max30102

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/itohio/heartlink/pkg/bus"
	"github.com/itohio/heartlink/pkg/config"
	"github.com/itohio/heartlink/pkg/sample"
)

var errMockBus = errors.New("mock: simulated bus failure")

// Ensure Mock implements RegisterBus.
var _ bus.RegisterBus = (*Mock)(nil)

// Mock simulates a MAX30102 at the register level for testing and
// development. It produces a synthetic PPG waveform once a measurement mode
// has been programmed.
type Mock struct {
	cfg *config.MockConfig

	mu        sync.Mutex
	regs      [256]byte
	writes    map[byte]int
	failNext  int
	index     uint64
	lastReady time.Time
	pending   bool
	noFinger  bool
}

// NewMock creates a new simulated sensor.
func NewMock(cfg *config.MockConfig) *Mock {
	if cfg == nil {
		def := config.Default().Mock
		cfg = &def
	}

	m := &Mock{
		cfg:    cfg,
		writes: make(map[byte]int),
	}
	m.regs[RegPartID] = PartID
	m.regs[RegRevID] = 0x03
	m.regs[TempInt] = 0x1E
	m.regs[TempFrac] = 0x04
	return m
}

// FailNext makes the next n bus transactions fail.
func (m *Mock) FailNext(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

// SetFinger simulates placing (true) or removing (false) a finger.
func (m *Mock) SetFinger(present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.noFinger = !present
}

// Writes returns how many successful writes reg has received.
func (m *Mock) Writes(reg byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[reg]
}

// Register returns the current value of reg.
func (m *Mock) Register(reg byte) byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[reg]
}

// Close does nothing; it lets Mock stand in for an opened bus.
func (m *Mock) Close() error { return nil }

// WriteReg stores value into reg.
func (m *Mock) WriteReg(reg, value byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail() {
		return &bus.Error{Op: "write", Reg: reg, Err: errMockBus}
	}

	m.writes[reg]++
	switch reg {
	case TempCfg:
		// Conversions complete immediately.
		m.regs[reg] = value &^ tempEnable
		m.regs[IntStat2] |= DieTempReady
	case FIFOWrPtr, FIFORdPtr:
		m.regs[reg] = value
		m.pending = false
	default:
		m.regs[reg] = value
	}
	return nil
}

// ReadReg returns the value of reg. Status registers clear on read.
func (m *Mock) ReadReg(reg byte) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail() {
		return 0, &bus.Error{Op: "read", Reg: reg, Err: errMockBus}
	}

	switch reg {
	case IntStat1:
		if m.ready() {
			m.pending = true
		}
		if m.pending {
			return NewFIFOData, nil
		}
		return 0, nil
	case IntStat2:
		v := m.regs[reg]
		m.regs[reg] = 0
		return v, nil
	}
	return m.regs[reg], nil
}

// BurstRead returns the next FIFO entry when reading FIFO data, or n
// consecutive registers otherwise.
func (m *Mock) BurstRead(reg byte, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail() {
		return nil, &bus.Error{Op: "burst read", Reg: reg, Err: errMockBus}
	}

	if reg != FIFOData {
		out := make([]byte, n)
		for i := range out {
			out[i] = m.regs[(int(reg)+i)&0xFF]
		}
		return out, nil
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		b := Encode(m.generateSample())
		out = append(out, b[:]...)
	}
	m.pending = false
	return out[:n], nil
}

func (m *Mock) fail() bool {
	if m.failNext > 0 {
		m.failNext--
		return true
	}
	return false
}

// ready reports whether a new sample is due. Nothing is measured until a
// mode is programmed.
func (m *Mock) ready() bool {
	if Mode(m.regs[ModeCfg]&0x07) == 0 {
		return false
	}
	if m.cfg.SampleRate <= 0 {
		return true
	}
	now := time.Now()
	if now.Sub(m.lastReady) < m.cfg.SampleRate {
		return false
	}
	m.lastReady = now
	return true
}

// generateSample synthesizes one red/IR pair. Time advances by one sample
// period per call so the waveform is deterministic.
func (m *Mock) generateSample() sample.Sample {
	period := m.cfg.SampleRate
	if period <= 0 {
		period = 10 * time.Millisecond
	}
	t := float64(m.index) * period.Seconds()
	m.index++

	irDC := m.cfg.IRLevel
	redDC := m.cfg.RedLevel
	if m.noFinger {
		irDC /= 20
		redDC /= 20
	}

	// Pulse at the configured heart rate plus a slower respiratory sway.
	phase := 2 * math.Pi * m.cfg.HeartRate / 60 * t
	pulse := math.Sin(phase) + 0.3*math.Sin(2*phase)
	sway := 0.2 * math.Sin(2*math.Pi*0.25*t)
	noise := (math.Sin(t*1000) + math.Cos(t*1300)) * m.cfg.NoiseLevel * 0.5

	ir := irDC * (1 + m.cfg.Perfusion*(pulse+sway) + noise)
	red := redDC * (1 + m.cfg.Perfusion*m.cfg.RatioRedIR*(pulse+sway) + noise)

	return sample.Sample{Red: clamp18(red), IR: clamp18(ir)}
}

func clamp18(v float64) uint32 {
	if v < 0 {
		return 0
	}
	if v > sample.MaxValue {
		return sample.MaxValue
	}
	return uint32(v)
}

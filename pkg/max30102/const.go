package max30102

// Register addresses
const (
	IntStat1  = 0x00
	IntStat2  = 0x01
	IntEna1   = 0x02
	IntEna2   = 0x03
	FIFOWrPtr = 0x04
	OvfCount  = 0x05
	FIFORdPtr = 0x06
	FIFOData  = 0x07
	FIFOCfg   = 0x08
	ModeCfg   = 0x09
	SpO2Cfg   = 0x0A
	Led1PA    = 0x0C
	Led2PA    = 0x0D
	TempInt   = 0x1F
	TempFrac  = 0x20
	TempCfg   = 0x21
	RegRevID  = 0xFE
	RegPartID = 0xFF
)

// Interrupt flags
const (
	// Status 1
	AlmostFull  byte = 1 << 7
	NewFIFOData byte = 1 << 6

	// Status 2
	DieTempReady byte = 1 << 1
)

// Device constants
const (
	Addr   = 0x57
	PartID = 0x15

	// FIFOEntrySize is the number of bytes per FIFO entry in SpO2 mode.
	FIFOEntrySize = 6

	// DefaultLEDCurrent is roughly 7 mA.
	DefaultLEDCurrent byte = 0x24
)

// Initialization values
const (
	intEnable1 byte = AlmostFull | NewFIFOData
	intEnable2 byte = 0x00

	// sample averaging 4, rollover on, almost full at 17 unread samples
	fifoConfig byte = 0x4F

	// 100 samples/s, 411 us pulse width, 18-bit resolution
	spo2Config byte = 0x27

	tempEnable byte = 0b0000_0001
	msbMask    byte = 0b0000_0011
)

// Mode is the measurement mode written to the mode configuration register.
type Mode byte

const (
	ModeHR       Mode = 0b010
	ModeSpO2     Mode = 0b011
	ModeMultiLED Mode = 0b111
)

func (m Mode) String() string {
	switch m {
	case ModeHR:
		return "hr"
	case ModeSpO2:
		return "spo2"
	case ModeMultiLED:
		return "multi-led"
	}
	return "unknown"
}

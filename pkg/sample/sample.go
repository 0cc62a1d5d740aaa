package sample

import "fmt"

// MaxValue is the largest intensity an 18-bit ADC channel can report.
const MaxValue = 1<<18 - 1

// Sample is one decoded FIFO entry: raw red and IR intensities.
type Sample struct {
	Red uint32
	IR  uint32
}

// Valid reports whether both channels fit into 18 bits.
func (s Sample) Valid() bool {
	return s.Red <= MaxValue && s.IR <= MaxValue
}

func (s Sample) String() string {
	return fmt.Sprintf("R:%d IR:%d", s.Red, s.IR)
}

// Channels splits a window into its red and IR series. dst slices are
// reused when they have enough capacity.
func Channels(dstRed, dstIR []uint32, samples []Sample) (red, ir []uint32) {
	red = resize(dstRed, len(samples))
	ir = resize(dstIR, len(samples))
	for i, s := range samples {
		red[i] = s.Red
		ir[i] = s.IR
	}
	return red, ir
}

func resize(dst []uint32, n int) []uint32 {
	if cap(dst) >= n {
		return dst[:n]
	}
	return make([]uint32, n)
}

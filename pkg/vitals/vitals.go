// Package vitals derives coarse SpO2 and heart rate figures from a window of
// raw PPG samples. The heuristics are meant for diagnostics only.
package vitals

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/itohio/heartlink/pkg/sample"
)

const (
	// Invalid is reported for values that could not be computed.
	Invalid = -999

	// SampleRate is the nominal sensor rate in Hz.
	SampleRate = 100

	// Floor is the minimum mean IR level that indicates skin contact.
	Floor = 10000
)

// Result holds one estimate. Values are Invalid when their flag is false.
type Result struct {
	SpO2           int32
	SpO2Valid      bool
	HeartRate      int32
	HeartRateValid bool
}

func (r Result) String() string {
	spo2, hr := "n/a", "n/a"
	if r.SpO2Valid {
		spo2 = fmt.Sprintf("%d%%", r.SpO2)
	}
	if r.HeartRateValid {
		hr = fmt.Sprintf("%d bpm", r.HeartRate)
	}
	return fmt.Sprintf("SpO2 %s, HR %s", spo2, hr)
}

var invalid = Result{SpO2: Invalid, HeartRate: Invalid}

// Estimate computes SpO2 from the red/IR modulation ratio and heart rate by
// counting rising crossings of the IR mean. An empty window, or one whose IR
// mean is below Floor, is invalid.
func Estimate(samples []sample.Sample) Result {
	n := len(samples)
	if n == 0 {
		return invalid
	}

	red, ir := sample.Channels(nil, nil, samples)
	dcIR, irMin, irMax := extent(ir)
	dcRed, redMin, redMax := extent(red)

	if dcIR < Floor {
		return invalid
	}
	acIR := float32(irMax - irMin)
	acRed := float32(redMax - redMin)

	res := Result{SpO2: Invalid}

	// A flat IR trace or a dark red channel leaves the ratio undefined.
	if acIR > 0 && dcRed > 0 {
		r := (acRed / float32(dcRed)) / (acIR / float32(dcIR))
		spo2 := -45.060*r*r + 30.354*r + 94.845
		spo2 = math32.Max(70, math32.Min(100, spo2))
		res.SpO2 = int32(math32.Trunc(spo2))
		res.SpO2Valid = true
	}

	peaks := 0
	above := false
	for _, v := range ir {
		switch {
		case v > dcIR && !above:
			above = true
			peaks++
		case v < dcIR:
			above = false
		}
	}
	seconds := float32(n) / SampleRate
	res.HeartRate = int32(float32(peaks) / seconds * 60)
	res.HeartRateValid = true

	return res
}

// extent returns the integer mean, minimum and maximum of a non-empty series.
func extent(series []uint32) (mean, lo, hi uint32) {
	var sum uint64
	lo, hi = series[0], series[0]
	for _, v := range series {
		sum += uint64(v)
		lo, hi = min(lo, v), max(hi, v)
	}
	return uint32(sum / uint64(len(series))), lo, hi
}

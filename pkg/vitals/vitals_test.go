package vitals

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itohio/heartlink/pkg/sample"
)

func constant(n int, red, ir uint32) []sample.Sample {
	s := make([]sample.Sample, n)
	for i := range s {
		s[i] = sample.Sample{Red: red, IR: ir}
	}
	return s
}

func TestEstimate_NoFinger(t *testing.T) {
	res := Estimate(constant(400, 5000, 5000))

	assert.False(t, res.SpO2Valid)
	assert.False(t, res.HeartRateValid)
	assert.Equal(t, int32(Invalid), res.SpO2)
	assert.Equal(t, int32(Invalid), res.HeartRate)
}

func TestEstimate_AlternatingIR(t *testing.T) {
	samples := constant(400, 20000, 0)
	for i := range samples {
		if i%2 == 0 {
			samples[i].IR = 15000
		} else {
			samples[i].IR = 25000
		}
	}

	res := Estimate(samples)

	assert.True(t, res.SpO2Valid)
	assert.Equal(t, int32(94), res.SpO2, "R = 0 gives 94.845 truncated")
	assert.True(t, res.HeartRateValid)
	assert.Equal(t, int32(3000), res.HeartRate, "every high sample counts as a crossing")
}

func TestEstimate_Empty(t *testing.T) {
	res := Estimate(nil)
	assert.False(t, res.SpO2Valid)
	assert.False(t, res.HeartRateValid)
	assert.Equal(t, int32(Invalid), res.SpO2)
}

func TestEstimate_FlatIR(t *testing.T) {
	res := Estimate(constant(400, 30000, 30000))

	assert.False(t, res.SpO2Valid, "ratio is undefined without IR modulation")
	assert.Equal(t, int32(Invalid), res.SpO2)
	assert.True(t, res.HeartRateValid)
	assert.Equal(t, int32(0), res.HeartRate)
}

func TestEstimate_Clamp(t *testing.T) {
	tests := []struct {
		name  string
		acRed uint32
		want  int32
	}{
		// R = 1: -45.060 + 30.354 + 94.845 = 80.139
		{name: "ratio one", acRed: 2000, want: 80},
		// R = 2: -180.24 + 60.708 + 94.845 < 70
		{name: "clamped low", acRed: 4000, want: 70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			samples := make([]sample.Sample, 100)
			for i := range samples {
				if i%2 == 0 {
					samples[i] = sample.Sample{Red: 20000 - tt.acRed/2, IR: 19000}
				} else {
					samples[i] = sample.Sample{Red: 20000 + tt.acRed/2, IR: 21000}
				}
			}
			res := Estimate(samples)
			assert.True(t, res.SpO2Valid)
			assert.Equal(t, tt.want, res.SpO2)
		})
	}
}

func TestEstimate_HeartRate(t *testing.T) {
	// Square wave with a 1 s period over 4 s: four rising crossings = 60 bpm.
	samples := make([]sample.Sample, 400)
	for i := range samples {
		ir := uint32(40000)
		if (i/50)%2 == 1 {
			ir = 60000
		}
		samples[i] = sample.Sample{Red: 30000, IR: ir}
	}

	res := Estimate(samples)
	assert.True(t, res.HeartRateValid)
	assert.Equal(t, int32(60), res.HeartRate)
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "SpO2 97%, HR 64 bpm", Result{SpO2: 97, SpO2Valid: true, HeartRate: 64, HeartRateValid: true}.String())
	assert.Equal(t, "SpO2 n/a, HR n/a", invalid.String())
}

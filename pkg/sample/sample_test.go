package sample

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSample_Valid(t *testing.T) {
	tests := []struct {
		name string
		s    Sample
		want bool
	}{
		{name: "zero", s: Sample{}, want: true},
		{name: "max", s: Sample{Red: MaxValue, IR: MaxValue}, want: true},
		{name: "red overflow", s: Sample{Red: MaxValue + 1}, want: false},
		{name: "ir overflow", s: Sample{IR: 1 << 20}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.Valid())
		})
	}
}

func TestSample_String(t *testing.T) {
	assert.Equal(t, "R:12 IR:34", Sample{Red: 12, IR: 34}.String())
}

func TestChannels(t *testing.T) {
	samples := []Sample{{Red: 1, IR: 10}, {Red: 2, IR: 20}, {Red: 3, IR: 30}}

	red, ir := Channels(nil, nil, samples)
	assert.Equal(t, []uint32{1, 2, 3}, red)
	assert.Equal(t, []uint32{10, 20, 30}, ir)
}

func TestChannels_ReusesDestination(t *testing.T) {
	dstRed := make([]uint32, 0, 8)
	dstIR := make([]uint32, 0, 8)

	red, ir := Channels(dstRed, dstIR, []Sample{{Red: 5, IR: 6}})
	assert.Len(t, red, 1)
	assert.Len(t, ir, 1)
	assert.Equal(t, 8, cap(red))
	assert.Equal(t, 8, cap(ir))
	assert.Same(t, &dstRed[:1][0], &red[0])
}

func TestChannels_Empty(t *testing.T) {
	red, ir := Channels(nil, nil, nil)
	assert.Empty(t, red)
	assert.Empty(t, ir)
}

package upload

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/itohio/heartlink/pkg/sample"
)

// Point is one sample on the wire.
type Point struct {
	IR  uint32 `json:"ir"`
	Red uint32 `json:"red"`
}

// Payload is the ingest document. Field order is part of the wire format.
type Payload struct {
	UserID    string  `json:"user_id"`
	DeviceID  string  `json:"device_id"`
	Timestamp int64   `json:"timestamp"`
	Samples   []Point `json:"samples"`
}

// NewPayload builds a payload stamped with ts in unix seconds.
func NewPayload(userID, deviceID string, ts time.Time, samples []sample.Sample) Payload {
	points := make([]Point, len(samples))
	for i, s := range samples {
		points[i] = Point{IR: s.IR, Red: s.Red}
	}
	return Payload{
		UserID:    userID,
		DeviceID:  deviceID,
		Timestamp: ts.Unix(),
		Samples:   points,
	}
}

// Encode serializes p as compact JSON.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("upload: could not encode payload: %w", err)
	}
	return data, nil
}

// Package sink publishes decoded vitals observations to telemetry systems:
// an MQTT broker, a Kafka topic and an InfluxDB bucket, fed by a bounded
// dispatcher that never blocks the monitors.
package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zsiec/vigil/internal/vitals"
)

// Record is one observation from one device.
type Record struct {
	Device      string
	Received    time.Time
	Observation vitals.Observation
}

// Kind returns the observation kind.
func (r Record) Kind() vitals.Kind { return r.Observation.Kind }

type recordWire struct {
	Device        string                `json:"device"`
	Kind          vitals.Kind           `json:"kind"`
	ID            string                `json:"observation_id"`
	Received      time.Time             `json:"received"`
	Numeric       *vitals.Numeric       `json:"numeric,omitempty"`
	BloodPressure *vitals.BloodPressure `json:"blood_pressure,omitempty"`
	Waveform      *vitals.Waveform      `json:"waveform,omitempty"`
	Samples       []float64             `json:"samples,omitempty"`
}

// MarshalJSON encodes the record for message brokers, including waveform
// samples.
func (r Record) MarshalJSON() ([]byte, error) {
	o := r.Observation
	w := recordWire{
		Device:        r.Device,
		Kind:          o.Kind,
		ID:            o.ID,
		Received:      r.Received.UTC(),
		Numeric:       o.Numeric,
		BloodPressure: o.BloodPressure,
		Waveform:      o.Waveform,
	}
	if o.Waveform != nil {
		w.Samples = o.Waveform.Samples
	}
	return json.Marshal(w)
}

// Publisher delivers records to one backend.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, rec Record) error
	Close() error
}

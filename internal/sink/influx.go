package sink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/zsiec/vigil/internal/vitals"
)

const DefaultMeasurement = "vitals"

// InfluxConfig configures the InfluxDB publisher.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes numeric and blood pressure observations as points.
// Waveforms are not stored.
type Influx struct {
	client      influxdb2.Client
	w           pointWriter
	measurement string
}

// NewInflux creates a blocking-write publisher for config.
func NewInflux(config InfluxConfig) *Influx {
	client := influxdb2.NewClient(config.URL, config.Token)
	in := newInflux(client.WriteAPIBlocking(config.Org, config.Bucket), config.Measurement)
	in.client = client
	return in
}

func newInflux(w pointWriter, measurement string) *Influx {
	if measurement == "" {
		measurement = DefaultMeasurement
	}
	return &Influx{w: w, measurement: measurement}
}

func (in *Influx) Name() string { return "influx" }

func (in *Influx) Publish(ctx context.Context, rec Record) error {
	p := Point(in.measurement, rec)
	if p == nil {
		return nil
	}
	if err := in.w.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("sink: influx write: %w", err)
	}
	return nil
}

func (in *Influx) Close() error {
	if in.client != nil {
		in.client.Close()
	}
	return nil
}

// Point converts a record to a point, or nil for waveforms and empty
// records.
func Point(measurement string, rec Record) *write.Point {
	o := rec.Observation
	tags := map[string]string{
		"device": rec.Device,
		"kind":   string(o.Kind),
	}
	fields := map[string]any{}

	switch {
	case o.Numeric != nil:
		n := o.Numeric
		fields["value"] = float64(n.Value)
		if n.LowLimit != 0 || n.HighLimit != 0 {
			fields["low_limit"] = float64(n.LowLimit)
			fields["high_limit"] = float64(n.HighLimit)
		}
		if n.Interpretation != "" {
			fields["interpretation"] = n.Interpretation
		}
		addMetaTags(tags, n.Meta)
		if n.Unit != "" {
			tags["unit"] = n.Unit
		}
	case o.BloodPressure != nil:
		bp := o.BloodPressure
		for name, n := range map[string]*vitals.Numeric{"systolic": bp.Systolic, "diastolic": bp.Diastolic, "map": bp.MAP} {
			if n == nil {
				continue
			}
			fields[name] = float64(n.Value)
			addMetaTags(tags, n.Meta)
			if n.Unit != "" {
				tags["unit"] = n.Unit
			}
		}
	default:
		return nil
	}
	if len(fields) == 0 {
		return nil
	}
	return write.NewPoint(measurement, tags, fields, rec.Received)
}

func addMetaTags(tags map[string]string, m vitals.Meta) {
	if m.PatientID != "" {
		tags["patient_id"] = m.PatientID
	}
	if m.DeviceID != "" {
		tags["device_id"] = m.DeviceID
	}
}

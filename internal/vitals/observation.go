// Package vitals decodes HL7 monitor observations delivered as JSON over a
// gateway socket, keeps the current-values snapshot and per-channel sample
// rings, and runs the per-device connection state machine.
package vitals

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind is a normalized observation identifier.
type Kind string

const (
	KindHeartRate       Kind = "heart-rate"
	KindPulseRate       Kind = "pulse-rate"
	KindSpO2            Kind = "spo2"
	KindRespiratoryRate Kind = "respiratory-rate"
	KindTemperature1    Kind = "body-temperature1"
	KindTemperature2    Kind = "body-temperature2"
	KindBloodPressure   Kind = "blood-pressure"
	KindWaveform        Kind = "waveform"
)

var kindAliases = map[string]Kind{
	"heart-rate":        KindHeartRate,
	"pulse-rate":        KindPulseRate,
	"spo2":              KindSpO2,
	"respiratory-rate":  KindRespiratoryRate,
	"body-temperature1": KindTemperature1,
	"temperature1":      KindTemperature1,
	"body-temperature2": KindTemperature2,
	"temperature2":      KindTemperature2,
	"blood-pressure":    KindBloodPressure,
	"waveform":          KindWaveform,
}

// ParseKind normalizes an observation_id: case is ignored and underscores
// match hyphens. It reports false for unknown ids.
func ParseKind(id string) (Kind, bool) {
	k, ok := kindAliases[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), "_", "-")]
	return k, ok
}

// Channel is a waveform display channel.
type Channel string

const (
	ChannelECG   Channel = "ECG"
	ChannelECG2  Channel = "ECG2"
	ChannelPleth Channel = "Pleth"
	ChannelResp  Channel = "Resp"
)

// Channels is the display order of waveform channels.
var Channels = []Channel{ChannelECG, ChannelECG2, ChannelPleth, ChannelResp}

var channelAliases = map[string]Channel{
	"ii":            ChannelECG,
	"ecg":           ChannelECG,
	"ecg_channel_2": ChannelECG2,
	"v":             ChannelECG2,
	"i":             ChannelECG2,
	"iii":           ChannelECG2,
	"pleth":         ChannelPleth,
	"spo2":          ChannelPleth,
	"respiration":   ChannelResp,
	"resp":          ChannelResp,
}

// ParseChannel maps a device wave-name to a display channel.
func ParseChannel(name string) (Channel, bool) {
	c, ok := channelAliases[strings.ToLower(strings.TrimSpace(name))]
	return c, ok
}

var (
	ErrEmptyMessage = errors.New("vitals: empty message")
	ErrMissingID    = errors.New("vitals: missing observation_id")
	ErrUnknownWave  = errors.New("vitals: unknown wave-name")
	ErrBadSample    = errors.New("vitals: invalid waveform sample")
	ErrBadRate      = errors.New("vitals: invalid sampling rate")
)

// DecodeError describes a message or observation that could not be decoded.
type DecodeError struct {
	// ID is the observation_id, when one was read.
	ID  string
	Err error
}

func (e *DecodeError) Error() string {
	if e.ID == "" {
		return "vitals: decode: " + e.Err.Error()
	}
	return fmt.Sprintf("vitals: decode %s: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Number is a JSON number that also accepts numeric strings and treats
// null or "" as zero.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("vitals: number %q: %w", s, err)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// Meta is the record context carried by every observation.
type Meta struct {
	DeviceID    string `json:"device_id,omitempty"`
	DateTime    string `json:"date-time,omitempty"`
	PatientID   string `json:"patient-id,omitempty"`
	PatientName string `json:"patient-name,omitempty"`
}

// Numeric is a single-valued vital sign.
type Numeric struct {
	Meta
	Value          Number `json:"value"`
	Unit           string `json:"unit,omitempty"`
	Interpretation string `json:"interpretation,omitempty"`
	LowLimit       Number `json:"low-limit"`
	HighLimit      Number `json:"high-limit"`
}

// BloodPressure is the composite non-invasive blood pressure record. Sub
// records are nil until received.
type BloodPressure struct {
	Systolic  *Numeric `json:"systolic,omitempty"`
	Diastolic *Numeric `json:"diastolic,omitempty"`
	MAP       *Numeric `json:"map,omitempty"`
}

// merge copies the sub records present in o over b.
func (b *BloodPressure) merge(o *BloodPressure) {
	if o.Systolic != nil {
		b.Systolic = o.Systolic
	}
	if o.Diastolic != nil {
		b.Diastolic = o.Diastolic
	}
	if o.MAP != nil {
		b.MAP = o.MAP
	}
}

// ChannelOptions describe how a waveform channel is scaled and paced.
type ChannelOptions struct {
	Baseline  float64 `json:"baseline"`
	LowLimit  float64 `json:"low_limit"`
	HighLimit float64 `json:"high_limit"`
	// SamplingRate is samples per second.
	SamplingRate float64 `json:"sampling_rate"`
}

// Waveform is one chunk of samples for a channel.
type Waveform struct {
	Meta
	Channel    Channel        `json:"channel"`
	WaveName   string         `json:"wave_name"`
	Resolution string         `json:"resolution,omitempty"`
	Options    ChannelOptions `json:"options"`
	Samples    []float64      `json:"-"`
}

// Observation is one decoded observation. Exactly one of Numeric,
// BloodPressure and Waveform is set, according to Kind.
type Observation struct {
	ID            string         `json:"observation_id"`
	Kind          Kind           `json:"kind"`
	Numeric       *Numeric       `json:"numeric,omitempty"`
	BloodPressure *BloodPressure `json:"blood_pressure,omitempty"`
	Waveform      *Waveform      `json:"waveform,omitempty"`
}

// DeviceID returns the device id carried by the observation, if any.
func (o Observation) DeviceID() string {
	switch {
	case o.Numeric != nil:
		return o.Numeric.DeviceID
	case o.Waveform != nil:
		return o.Waveform.DeviceID
	case o.BloodPressure != nil:
		for _, n := range []*Numeric{o.BloodPressure.Systolic, o.BloodPressure.Diastolic, o.BloodPressure.MAP} {
			if n != nil && n.DeviceID != "" {
				return n.DeviceID
			}
		}
	}
	return ""
}

type envelope struct {
	ID string `json:"observation_id"`
}

type waveformWire struct {
	Meta
	WaveName     string          `json:"wave-name"`
	Resolution   string          `json:"resolution"`
	SamplingRate json.RawMessage `json:"sampling rate"`
	Baseline     Number          `json:"data-baseline"`
	LowLimit     Number          `json:"data-low-limit"`
	HighLimit    Number          `json:"data-high-limit"`
	Data         string          `json:"data"`
}

// Decode parses one socket message: a JSON object, or an array of objects
// in the gateway's batched form. Observations with unknown ids are skipped.
// When some objects of a batch fail, the others are still returned along
// with a joined error of *DecodeError values.
func Decode(msg []byte) ([]Observation, error) {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil, &DecodeError{Err: ErrEmptyMessage}
	}
	if msg[0] != '[' {
		o, ok, err := decodeOne(msg)
		if err != nil || !ok {
			return nil, err
		}
		return []Observation{o}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(msg, &raws); err != nil {
		return nil, &DecodeError{Err: err}
	}
	var (
		out  []Observation
		errs []error
	)
	for _, raw := range raws {
		o, ok, err := decodeOne(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, errors.Join(errs...)
}

// decodeOne decodes a single object, reporting false for unknown ids.
func decodeOne(raw []byte) (Observation, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Observation{}, false, &DecodeError{Err: err}
	}
	if env.ID == "" {
		return Observation{}, false, &DecodeError{Err: ErrMissingID}
	}
	kind, ok := ParseKind(env.ID)
	if !ok {
		return Observation{}, false, nil
	}

	o := Observation{ID: env.ID, Kind: kind}
	var err error
	switch kind {
	case KindBloodPressure:
		o.BloodPressure = &BloodPressure{}
		err = json.Unmarshal(raw, o.BloodPressure)
	case KindWaveform:
		o.Waveform, err = decodeWaveform(raw)
	default:
		o.Numeric = &Numeric{}
		err = json.Unmarshal(raw, o.Numeric)
	}
	if err != nil {
		return Observation{}, false, &DecodeError{ID: env.ID, Err: err}
	}
	return o, true, nil
}

func decodeWaveform(raw []byte) (*Waveform, error) {
	var w waveformWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	ch, ok := ParseChannel(w.WaveName)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownWave, w.WaveName)
	}
	rate, err := parseSamplingRate(w.SamplingRate)
	if err != nil {
		return nil, err
	}
	samples, err := ParseSamples(w.Data)
	if err != nil {
		return nil, err
	}
	return &Waveform{
		Meta:       w.Meta,
		Channel:    ch,
		WaveName:   w.WaveName,
		Resolution: w.Resolution,
		Options: ChannelOptions{
			Baseline:     float64(w.Baseline),
			LowLimit:     float64(w.LowLimit),
			HighLimit:    float64(w.HighLimit),
			SamplingRate: rate,
		},
		Samples: samples,
	}, nil
}

// parseSamplingRate accepts a number or a string such as "250/sec".
func parseSamplingRate(raw json.RawMessage) (float64, error) {
	var n Number
	if err := json.Unmarshal(raw, &n); err == nil && n > 0 {
		return float64(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrBadRate, raw)
	}
	num, _, _ := strings.Cut(s, "/")
	f, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("%w %q", ErrBadRate, s)
	}
	return f, nil
}

// ParseSamples splits a waveform data string on spaces, commas or carets.
// A token of the form v*n stands for n repetitions of v. Values are
// physiological magnitudes and are returned unscaled. A string expanding to
// more than maxSamples values is rejected with ErrBadSample.
func ParseSamples(data string) ([]float64, error) {
	fields := strings.FieldsFunc(data, func(r rune) bool {
		return r == ' ' || r == ',' || r == '^' || r == '\t' || r == '\n' || r == '\r'
	})
	out := make([]float64, 0, min(len(fields), maxSamples))
	for _, f := range fields {
		val, rep, hasRep := strings.Cut(f, "*")
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("%w %q", ErrBadSample, f)
		}
		n := 1
		if hasRep {
			n, err = strconv.Atoi(rep)
			if err != nil || n < 1 || n > maxRepeat {
				return nil, fmt.Errorf("%w %q", ErrBadSample, f)
			}
		}
		if len(out)+n > maxSamples {
			return nil, fmt.Errorf("%w: more than %d samples", ErrBadSample, maxSamples)
		}
		for range n {
			out = append(out, v)
		}
	}
	return out, nil
}

const (
	// maxRepeat bounds a single run-length token.
	maxRepeat = 10000
	// maxSamples bounds one waveform message: a minute at 1 kHz.
	maxSamples = 60000
)

package vitals

import "math"

// Snapshot holds the latest value of each numeric vital. Nil fields have not
// been received.
type Snapshot struct {
	HeartRate       *Numeric       `json:"heart_rate,omitempty"`
	PulseRate       *Numeric       `json:"pulse_rate,omitempty"`
	SpO2            *Numeric       `json:"spo2,omitempty"`
	RespiratoryRate *Numeric       `json:"respiratory_rate,omitempty"`
	Temperature1    *Numeric       `json:"temperature1,omitempty"`
	Temperature2    *Numeric       `json:"temperature2,omitempty"`
	BloodPressure   *BloodPressure `json:"blood_pressure,omitempty"`
}

// Merge applies observations in order, the latest winning per kind. Blood
// pressure sub records are merged individually. Waveforms and unknown kinds
// leave the snapshot untouched. It returns the number of slots updated.
func (s *Snapshot) Merge(obs ...Observation) int {
	n := 0
	for _, o := range obs {
		if s.apply(o) {
			n++
		}
	}
	return n
}

func (s *Snapshot) apply(o Observation) bool {
	if o.Kind == KindBloodPressure {
		if o.BloodPressure == nil {
			return false
		}
		if s.BloodPressure == nil {
			s.BloodPressure = &BloodPressure{}
		}
		s.BloodPressure.merge(o.BloodPressure)
		return true
	}
	if o.Numeric == nil {
		return false
	}
	slot := s.slot(o.Kind)
	if slot == nil {
		return false
	}
	v := *o.Numeric
	*slot = &v
	return true
}

func (s *Snapshot) slot(k Kind) **Numeric {
	switch k {
	case KindHeartRate:
		return &s.HeartRate
	case KindPulseRate:
		return &s.PulseRate
	case KindSpO2:
		return &s.SpO2
	case KindRespiratoryRate:
		return &s.RespiratoryRate
	case KindTemperature1:
		return &s.Temperature1
	case KindTemperature2:
		return &s.Temperature2
	}
	return nil
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		HeartRate:       cloneNumeric(s.HeartRate),
		PulseRate:       cloneNumeric(s.PulseRate),
		SpO2:            cloneNumeric(s.SpO2),
		RespiratoryRate: cloneNumeric(s.RespiratoryRate),
		Temperature1:    cloneNumeric(s.Temperature1),
		Temperature2:    cloneNumeric(s.Temperature2),
	}
	if s.BloodPressure != nil {
		c.BloodPressure = &BloodPressure{
			Systolic:  cloneNumeric(s.BloodPressure.Systolic),
			Diastolic: cloneNumeric(s.BloodPressure.Diastolic),
			MAP:       cloneNumeric(s.BloodPressure.MAP),
		}
	}
	return c
}

func cloneNumeric(n *Numeric) *Numeric {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

// Pulse is the rate shown on the ECG tile: pulse rate when it carries a
// value, heart rate otherwise.
func (s Snapshot) Pulse() *Numeric {
	if s.PulseRate != nil && s.PulseRate.Value != 0 {
		return s.PulseRate
	}
	return s.HeartRate
}

// TemperatureDelta is |T1 - T2|, reported only when both are non-zero.
func (s Snapshot) TemperatureDelta() (float64, bool) {
	if s.Temperature1 == nil || s.Temperature2 == nil || s.Temperature1.Value == 0 || s.Temperature2.Value == 0 {
		return 0, false
	}
	return math.Abs(float64(s.Temperature1.Value - s.Temperature2.Value)), true
}

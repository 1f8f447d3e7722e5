package params

import "math"

const (
	// DefaultEchoCeiling bounds echo feedback below unity.
	DefaultEchoCeiling = 0.8
	// DefaultDriveCeiling bounds distortion drive below full clipping.
	DefaultDriveCeiling = 0.9

	maxCeiling = 0.99
)

// Ceilings are the scale factors applied to the echo and distortion
// amounts. Both are kept strictly below 1.
type Ceilings struct {
	Echo  float64 `yaml:"echo"`
	Drive float64 `yaml:"drive"`
}

// DefaultCeilings returns the 0.8 / 0.9 ceilings.
func DefaultCeilings() Ceilings {
	return Ceilings{Echo: DefaultEchoCeiling, Drive: DefaultDriveCeiling}
}

// Normalize replaces out-of-range ceilings. Values outside (0, 1) fall back
// to the defaults, values in [0.99, 1) are capped at 0.99.
func (c Ceilings) Normalize() Ceilings {
	fix := func(v, def float64) float64 {
		if math.IsNaN(v) || v <= 0 || v >= 1 {
			return def
		}
		return math.Min(v, maxCeiling)
	}
	return Ceilings{Echo: fix(c.Echo, DefaultEchoCeiling), Drive: fix(c.Drive, DefaultDriveCeiling)}
}

// EchoFeedback returns the delay feedback gain for an echo amount.
func (c Ceilings) EchoFeedback(amount float64) float64 {
	return Clamp01(amount) * c.Normalize().Echo
}

// DistortionDrive returns the drive applied for a distortion amount.
func (c Ceilings) DistortionDrive(amount float64) float64 {
	return Clamp01(amount) * c.Normalize().Drive
}

// Clamp01 limits v to [0, 1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeSpeed returns v, or 1 when v is not a positive finite number.
func NormalizeSpeed(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 1
	}
	return v
}

// PitchFactor converts semitones to a frequency ratio, 2^(s/12).
func PitchFactor(semitones float64) float64 {
	return math.Exp2(semitones / 12)
}

// StretchFactor returns the duration scale for a speed factor, 1/v.
// Non-positive speeds behave as 1.
func StretchFactor(speed float64) float64 {
	return 1 / NormalizeSpeed(speed)
}

// EchoFeedback applies the default echo ceiling.
func EchoFeedback(amount float64) float64 {
	return DefaultCeilings().EchoFeedback(amount)
}

// DistortionDrive applies the default drive ceiling.
func DistortionDrive(amount float64) float64 {
	return DefaultCeilings().DistortionDrive(amount)
}

package audio

import "time"

// Ramp is a linear gain envelope advanced one sample at a time.
// It is owned by the render loop and is not safe for concurrent use.
type Ramp struct {
	pos    int // current position in [0, length]
	length int // samples for a full 0→1 sweep
	target int // 0 or length
}

// NewRamp returns a ramp at zero gain whose full 0→1 sweep lasts d at
// the given sample rate.
func NewRamp(d time.Duration, sampleRate int) *Ramp {
	n := int(d.Seconds() * float64(sampleRate))
	if n < 1 {
		n = 1
	}
	return &Ramp{length: n}
}

// Gain returns the current gain.
func (r *Ramp) Gain() float64 { return float64(r.pos) / float64(r.length) }

// Settled reports whether the ramp has reached its target.
func (r *Ramp) Settled() bool { return r.pos == r.target }

// Silent reports whether the ramp is settled at zero gain.
func (r *Ramp) Silent() bool { return r.pos == 0 && r.target == 0 }

// FadeIn moves the target to unity.
func (r *Ramp) FadeIn() { r.target = r.length }

// FadeOut moves the target to silence.
func (r *Ramp) FadeOut() { r.target = 0 }

// Reset snaps the ramp to zero gain with a zero target.
func (r *Ramp) Reset() {
	r.pos = 0
	r.target = 0
}

// Apply multiplies frame by the envelope in place, advancing it per sample.
func (r *Ramp) Apply(frame []float32) {
	inv := 1 / float64(r.length)
	for i := range frame {
		if r.pos < r.target {
			r.pos++
		} else if r.pos > r.target {
			r.pos--
		}
		frame[i] = float32(float64(frame[i]) * float64(r.pos) * inv)
	}
}

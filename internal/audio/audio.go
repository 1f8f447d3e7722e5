package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 1
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 4     // bytes per frame (float32 = 4 bytes)
)

// Frame is one render cycle worth of mono float32 samples in [-1, 1].
type Frame []float32

// NewFrame allocates a zeroed frame of FrameSamples samples.
func NewFrame() Frame {
	return make(Frame, FrameSamples)
}

// FramesFor returns how many whole frames cover d, at least one.
func FramesFor(d time.Duration) int {
	n := int(d / FrameDuration)
	if d%FrameDuration != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Clip is a finished, immutable waveform such as synthesized speech.
type Clip struct {
	samples    []float32
	sampleRate int
	voice      string
}

// NewClip copies samples into a new clip.
func NewClip(samples []float32, sampleRate int, voice string) *Clip {
	s := make([]float32, len(samples))
	copy(s, samples)
	return &Clip{samples: s, sampleRate: sampleRate, voice: voice}
}

// Samples returns a copy of the clip's samples.
func (c *Clip) Samples() []float32 {
	s := make([]float32, len(c.samples))
	copy(s, c.samples)
	return s
}

// Len returns the number of samples.
func (c *Clip) Len() int { return len(c.samples) }

// SampleRate returns the clip's sample rate in Hz.
func (c *Clip) SampleRate() int { return c.sampleRate }

// Voice returns the voice the clip was synthesized with.
func (c *Clip) Voice() string { return c.voice }

// Duration returns the playback length of the clip.
func (c *Clip) Duration() time.Duration {
	if c.sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.samples)) * time.Second / time.Duration(c.sampleRate)
}

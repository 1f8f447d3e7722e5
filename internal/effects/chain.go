// Package effects implements the per-frame voice effect chain:
// pitch shift, time stretch, distortion, echo and reverb.
package effects

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/satindergrewal/voxmod/internal/audio"
	"github.com/satindergrewal/voxmod/internal/params"
)

// ErrProcessingFault marks a stage that failed during a render cycle and
// was bypassed.
var ErrProcessingFault = errors.New("processing fault")

// Config holds the fixed, non-runtime-adjustable chain settings.
type Config struct {
	SampleRate     float64
	EchoDelay      time.Duration
	ReverbRoomSize float64
	ReverbDamping  float64
	Ceilings       params.Ceilings
}

// DefaultConfig returns the chain settings used by the engine.
func DefaultConfig() Config {
	return Config{
		SampleRate:     audio.SampleRate,
		EchoDelay:      250 * time.Millisecond,
		ReverbRoomSize: 0.8,
		ReverbDamping:  0.5,
		Ceilings:       params.DefaultCeilings(),
	}
}

// Stage is one processor in the chain. Process transforms buf in place.
type Stage interface {
	Name() string
	Process(buf []float64, p params.EffectParameters) error
	Reset()
}

// Fault describes a stage that was bypassed during a render cycle.
type Fault struct {
	Stage string
	Err   error
}

func (f Fault) Error() string { return fmt.Sprintf("stage %s: %v", f.Stage, f.Err) }

func (f Fault) Unwrap() []error { return []error{ErrProcessingFault, f.Err} }

// Chain runs its stages in order over one frame. It is owned by a single
// render loop and is not safe for concurrent use.
type Chain struct {
	stages []Stage
	buf    []float64
	backup []float64
	faults []Fault
}

// New builds the voice chain: pitch → stretch → distortion → echo → reverb.
func New(cfg Config) (*Chain, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.EchoDelay <= 0 {
		cfg.EchoDelay = DefaultConfig().EchoDelay
	}
	cfg.Ceilings = cfg.Ceilings.Normalize()

	pitch, err := newPitchStage(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	stretch, err := newStretchStage(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	dist, err := newDistortionStage(cfg)
	if err != nil {
		return nil, err
	}
	echo, err := newEchoStage(cfg)
	if err != nil {
		return nil, err
	}
	return newChain(pitch, stretch, dist, echo, newReverbStage(cfg)), nil
}

func newChain(stages ...Stage) *Chain {
	return &Chain{
		stages: stages,
		buf:    make([]float64, audio.FrameSamples),
		backup: make([]float64, audio.FrameSamples),
		faults: make([]Fault, 0, len(stages)),
	}
}

// Stages returns the stage names in processing order.
func (c *Chain) Stages() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return names
}

// Render processes in into out using p. A stage that errors, panics or
// produces non-finite samples is bypassed for this cycle and reset; its
// fault is returned. The returned slice is reused by the next call.
func (c *Chain) Render(in, out []float32, p params.EffectParameters) []Fault {
	n := len(in)
	if len(out) < n {
		n = len(out)
	}
	if cap(c.buf) < n {
		c.buf = make([]float64, n)
		c.backup = make([]float64, n)
	}
	buf, backup := c.buf[:n], c.backup[:n]
	for i := 0; i < n; i++ {
		buf[i] = float64(in[i])
	}

	c.faults = c.faults[:0]
	for _, s := range c.stages {
		copy(backup, buf)
		if err := runStage(s, buf, p); err != nil {
			copy(buf, backup)
			s.Reset()
			c.faults = append(c.faults, Fault{Stage: s.Name(), Err: err})
		}
	}

	for i := 0; i < n; i++ {
		out[i] = audio.Clamp(buf[i])
	}
	return c.faults
}

// Reset clears every stage's internal state.
func (c *Chain) Reset() {
	for _, s := range c.stages {
		s.Reset()
	}
}

func runStage(s Stage, buf []float64, p params.EffectParameters) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := s.Process(buf, p); err != nil {
		return err
	}
	for _, v := range buf {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("non-finite output")
		}
	}
	return nil
}

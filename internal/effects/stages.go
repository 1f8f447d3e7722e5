package effects

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/effects"
	"github.com/cwbudde/algo-dsp/dsp/effects/reverb"
	"github.com/cwbudde/algo-dsp/dsp/interp"

	"github.com/satindergrewal/voxmod/internal/params"
)

const (
	// MaxSemitones is the pitch range the shifter tolerates in each direction.
	MaxSemitones = 24.0
	// MinSpeed and MaxSpeed bound the stretch stage's resampling ratio.
	MinSpeed = 0.25
	MaxSpeed = 4.0

	// Grain shifter settings. Grains spawn every grainSeconds*(1-grainOverlap),
	// so a steady tone lands on a 25 Hz grid around its shifted frequency.
	grainSeconds  = 0.08
	grainOverlap  = 0.5
	grainHeadroom = 0.002

	// distortionPreGain scales the applied drive into the shaper's input gain.
	distortionPreGain = 10.0
	// echoWetScale sets the echo wet mix relative to the echo amount.
	echoWetScale = 0.5
	// stretchBacklogSeconds bounds the audio held back at speeds below 1.
	stretchBacklogSeconds = 2.0
	// maxRoomSize keeps the reverb's comb feedback below unity.
	maxRoomSize = 0.98
)

// grainShifter is a streaming pitch shifter: a fully wet, spray-free
// granular processor whose history persists across frames.
type grainShifter struct {
	g      *effects.Granular
	ratio  float64
	active bool
}

func newGrainShifter(sampleRate float64) (*grainShifter, error) {
	g, err := effects.NewGranular(sampleRate)
	if err != nil {
		return nil, err
	}
	if err := g.SetGrainSeconds(grainSeconds); err != nil {
		return nil, err
	}
	if err := g.SetOverlap(grainOverlap); err != nil {
		return nil, err
	}
	if err := g.SetSpray(0); err != nil {
		return nil, err
	}
	if err := g.SetMix(1); err != nil {
		return nil, err
	}
	return &grainShifter{g: g}, nil
}

// setRatio changes the playback ratio. Grains start far enough behind the
// write head that a grain read at ratio > 1 never overtakes it.
func (s *grainShifter) setRatio(ratio float64) error {
	if ratio == s.ratio {
		return nil
	}
	if err := s.g.SetPitch(ratio); err != nil {
		return err
	}
	if err := s.g.SetBaseDelay(grainSeconds*math.Max(ratio-1, 0) + grainHeadroom); err != nil {
		return err
	}
	s.ratio = ratio
	return nil
}

func (s *grainShifter) process(buf []float64, ratio float64) error {
	if err := s.setRatio(ratio); err != nil {
		return err
	}
	s.active = true
	s.g.ProcessInPlace(buf)
	return nil
}

// idle drops the grain history once the shifter stops being used, so a
// later shift does not replay stale audio.
func (s *grainShifter) idle() {
	if s.active {
		s.reset()
	}
}

func (s *grainShifter) reset() {
	s.g.Reset()
	s.active = false
}

// ClampSemitones limits a pitch shift to ±MaxSemitones.
func ClampSemitones(s float64) float64 {
	return math.Max(-MaxSemitones, math.Min(MaxSemitones, s))
}

// ClampSpeed normalizes a speed factor and limits it to [MinSpeed, MaxSpeed].
func ClampSpeed(v float64) float64 {
	return math.Max(MinSpeed, math.Min(MaxSpeed, params.NormalizeSpeed(v)))
}

// --- pitch ---

type pitchStage struct {
	shifter *grainShifter
}

func newPitchStage(sampleRate float64) (*pitchStage, error) {
	s, err := newGrainShifter(sampleRate)
	if err != nil {
		return nil, err
	}
	return &pitchStage{shifter: s}, nil
}

func (s *pitchStage) Name() string { return "pitch" }

func (s *pitchStage) Process(buf []float64, p params.EffectParameters) error {
	semis := ClampSemitones(p.PitchSemitones)
	if semis == 0 {
		s.shifter.idle()
		return nil
	}
	return s.shifter.process(buf, params.PitchFactor(semis))
}

func (s *pitchStage) Reset() { s.shifter.reset() }

// --- time stretch ---

// stretchStage changes tempo without changing pitch. Live input is queued
// and read back at speed× through a Hermite resampler, then a grain shifter
// at 1/speed undoes the resampler's transposition. Above unity speed the
// reader catches up with the live input every frame; it then jumps back
// and replays the newest audio.
type stretchStage struct {
	corrector *grainShifter
	pending   []float64
	pos       float64
	limit     int
}

func newStretchStage(sampleRate float64) (*stretchStage, error) {
	c, err := newGrainShifter(sampleRate)
	if err != nil {
		return nil, err
	}
	limit := int(sampleRate * stretchBacklogSeconds)
	return &stretchStage{
		corrector: c,
		pending:   make([]float64, 0, limit),
		limit:     limit,
	}, nil
}

func (s *stretchStage) Name() string { return "stretch" }

func (s *stretchStage) Process(buf []float64, p params.EffectParameters) error {
	speed := ClampSpeed(p.SpeedFactor)
	if speed == 1 {
		s.Reset()
		return nil
	}

	s.enqueue(buf)
	for i := range buf {
		idx := int(s.pos)
		if idx+2 >= len(s.pending) {
			s.rewind(len(buf)-i, speed)
			idx = int(s.pos)
		}
		t := s.pos - float64(idx)
		buf[i] = interp.Hermite4(t, s.at(idx-1), s.at(idx), s.at(idx+1), s.at(idx+2))
		s.pos += speed
	}
	s.compact()

	return s.corrector.process(buf, 1/speed)
}

// rewind moves the read position back so the remaining n output samples
// end on the newest queued sample.
func (s *stretchStage) rewind(n int, speed float64) {
	s.pos = math.Max(0, float64(len(s.pending)-3)-float64(n)*speed)
}

func (s *stretchStage) at(i int) float64 {
	if i < 0 {
		i = 0
	}
	if i >= len(s.pending) {
		i = len(s.pending) - 1
	}
	return s.pending[i]
}

// enqueue appends buf, dropping the oldest queued audio beyond the limit.
func (s *stretchStage) enqueue(buf []float64) {
	if over := len(s.pending) + len(buf) - s.limit; over > 0 {
		if over > len(s.pending) {
			over = len(s.pending)
		}
		s.drop(over)
	}
	s.pending = append(s.pending, buf...)
}

// compact discards samples the read position has moved past, keeping one
// sample of history for interpolation.
func (s *stretchStage) compact() {
	if k := int(s.pos) - 1; k > 0 {
		s.drop(k)
	}
}

func (s *stretchStage) drop(k int) {
	n := copy(s.pending, s.pending[k:])
	s.pending = s.pending[:n]
	s.pos -= float64(k)
	if s.pos < 0 {
		s.pos = 0
	}
}

func (s *stretchStage) Reset() {
	s.pending = s.pending[:0]
	s.pos = 0
	s.corrector.idle()
}

// --- distortion ---

type distortionStage struct {
	dist     *effects.Distortion
	ceilings params.Ceilings
}

func newDistortionStage(cfg Config) (*distortionStage, error) {
	d, err := effects.NewDistortion(cfg.SampleRate,
		effects.WithDistortionMode(effects.DistortionModeTanh),
		effects.WithDistortionMix(0),
	)
	if err != nil {
		return nil, err
	}
	return &distortionStage{dist: d, ceilings: cfg.Ceilings}, nil
}

func (s *distortionStage) Name() string { return "distortion" }

func (s *distortionStage) Process(buf []float64, p params.EffectParameters) error {
	drive := s.ceilings.DistortionDrive(p.DistortionAmount)
	if drive == 0 {
		return nil
	}
	if err := s.dist.SetDrive(1 + drive*distortionPreGain); err != nil {
		return err
	}
	if err := s.dist.SetMix(drive); err != nil {
		return err
	}
	s.dist.ProcessInPlace(buf)
	return nil
}

func (s *distortionStage) Reset() { s.dist.Reset() }

// --- echo ---

type echoStage struct {
	delay    *effects.Delay
	ceilings params.Ceilings
}

func newEchoStage(cfg Config) (*echoStage, error) {
	d, err := effects.NewDelay(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	if err := d.SetTime(cfg.EchoDelay.Seconds()); err != nil {
		return nil, err
	}
	if err := d.SetFeedback(0); err != nil {
		return nil, err
	}
	if err := d.SetMix(0); err != nil {
		return nil, err
	}
	return &echoStage{delay: d, ceilings: cfg.Ceilings}, nil
}

func (s *echoStage) Name() string { return "echo" }

// Process always runs the delay line so repeats keep decaying after the
// echo amount drops to zero.
func (s *echoStage) Process(buf []float64, p params.EffectParameters) error {
	amount := params.Clamp01(p.EchoAmount)
	if err := s.delay.SetFeedback(s.ceilings.EchoFeedback(amount)); err != nil {
		return err
	}
	if err := s.delay.SetMix(amount * echoWetScale); err != nil {
		return err
	}
	s.delay.ProcessInPlace(buf)
	return nil
}

func (s *echoStage) Reset() { s.delay.Reset() }

// --- reverb ---

type reverbStage struct {
	reverb *reverb.Reverb
}

func newReverbStage(cfg Config) *reverbStage {
	r := reverb.NewReverb()
	r.SetRoomSize(math.Min(params.Clamp01(cfg.ReverbRoomSize), maxRoomSize))
	r.SetDamp(params.Clamp01(cfg.ReverbDamping))
	r.SetWet(0)
	r.SetDry(1)
	return &reverbStage{reverb: r}
}

func (s *reverbStage) Name() string { return "reverb" }

func (s *reverbStage) Process(buf []float64, p params.EffectParameters) error {
	wet := params.Clamp01(p.ReverbAmount)
	s.reverb.SetWet(wet)
	s.reverb.SetDry(1 - wet)
	s.reverb.ProcessInPlace(buf)
	return nil
}

func (s *reverbStage) Reset() { s.reverb.Reset() }

// Package tts turns text into finished audio clips through a PromptKit
// speech provider.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	pkaudio "github.com/AltairaLabs/PromptKit/runtime/audio"
	pktts "github.com/AltairaLabs/PromptKit/runtime/tts"
	"github.com/cwbudde/algo-dsp/dsp/effects/pitch"
	"go.uber.org/zap"

	"github.com/satindergrewal/voxmod/internal/audio"
	"github.com/satindergrewal/voxmod/internal/effects"
)

var (
	ErrNoText      = errors.New("no text provided")
	ErrUnavailable = errors.New("speech synthesis unavailable")
)

const (
	defaultTimeout = 30 * time.Second
	maxClipBytes   = 16 << 20
)

// Request describes one synthesis call.
type Request struct {
	Text   string
	Voice  string  // default, male, female, robotic, whisper or a provider voice ID
	Pitch  float64 // semitones
	Speed  float64 // rate multiplier, <=0 means 1
	Volume float64 // linear gain in [0, 1]
}

// Synthesizer produces a finished clip from a request.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (*audio.Clip, error)
}

var voiceMaps = map[string]map[string]string{
	"openai": {
		"default": pktts.VoiceAlloy,
		"male":    pktts.VoiceOnyx,
		"female":  pktts.VoiceNova,
		"robotic": pktts.VoiceEcho,
		"whisper": pktts.VoiceShimmer,
	},
	"elevenlabs": {
		"default": "21m00Tcm4TlvDq8ikWAM", // Rachel
		"male":    "ErXwobaYiN019PkySvjV", // Antoni
		"female":  "EXAVITQu4vr4xnSDxMaL", // Bella
		"robotic": "VR6AewLTigWG4xSOukaG", // Arnold
		"whisper": "MF3mGyEYCl7XYWbV9V6O", // Elli
	},
}

// Adapter implements Synthesizer over a PromptKit tts.Service. The
// service is asked for 24 kHz PCM16 which is resampled to the engine rate.
// Pitch is applied locally since providers ignore it.
type Adapter struct {
	svc     pktts.Service
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// Option customizes an Adapter.
type Option func(*Adapter)

func WithModel(model string) Option {
	return func(a *Adapter) { a.model = model }
}

func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New wraps svc. A nil svc yields an adapter that always fails with
// ErrUnavailable.
func New(svc pktts.Service, opts ...Option) *Adapter {
	a := &Adapter{svc: svc, timeout: defaultTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "tts"))
	return a
}

// NewProvider builds the named PromptKit provider ("openai" or
// "elevenlabs"). An empty apiKey disables synthesis.
func NewProvider(provider, apiKey, model string, logger *zap.Logger) (*Adapter, error) {
	opts := []Option{WithModel(model), WithLogger(logger)}
	if apiKey == "" {
		return New(nil, opts...), nil
	}
	switch strings.ToLower(provider) {
	case "", "openai":
		return New(pktts.NewOpenAI(apiKey), opts...), nil
	case "elevenlabs":
		return New(pktts.NewElevenLabs(apiKey), opts...), nil
	}
	return nil, fmt.Errorf("unknown tts provider %q", provider)
}

// Available reports whether a backend is configured.
func (a *Adapter) Available() bool { return a.svc != nil }

// Synthesize renders req into a mono clip at audio.SampleRate.
func (a *Adapter) Synthesize(ctx context.Context, req Request) (*audio.Clip, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrNoText
	}
	if a.svc == nil {
		return nil, ErrUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	voice := a.voiceID(req.Voice)
	start := time.Now()
	rc, err := a.svc.Synthesize(ctx, text, pktts.SynthesisConfig{
		Voice:  voice,
		Format: pktts.FormatPCM16,
		Speed:  effects.ClampSpeed(req.Speed),
		Model:  a.model,
	})
	if err != nil {
		return nil, fmt.Errorf("%s synthesize: %w", a.svc.Name(), err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxClipBytes))
	if err != nil {
		return nil, fmt.Errorf("read speech: %w", err)
	}
	raw = raw[:len(raw)&^1]

	samples, err := decode(raw, pktts.FormatPCM16.SampleRate)
	if err != nil {
		return nil, err
	}
	samples, err = shiftPitch(samples, req.Pitch)
	if err != nil {
		return nil, err
	}
	applyGain(samples, req.Volume)

	clip := audio.NewClip(samples, audio.SampleRate, req.Voice)
	a.logger.Info("speech synthesized",
		zap.String("provider", a.svc.Name()),
		zap.String("voice", voice),
		zap.Int("chars", len(text)),
		zap.Duration("clip", clip.Duration()),
		zap.Duration("took", time.Since(start)))
	return clip, nil
}

func (a *Adapter) voiceID(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "default"
	}
	if m, ok := voiceMaps[a.svc.Name()]; ok {
		if id, ok := m[name]; ok {
			return id
		}
	}
	return name
}

func decode(raw []byte, rate int) ([]float32, error) {
	pcm, err := pkaudio.ResamplePCM16(raw, rate, audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("resample speech: %w", err)
	}
	return audio.DecodePCM16(pcm), nil
}

// shiftPitch applies a phase-vocoder pitch shift over the whole clip.
func shiftPitch(samples []float32, semitones float64) ([]float32, error) {
	if math.IsNaN(semitones) {
		semitones = 0
	}
	semitones = effects.ClampSemitones(semitones)
	if semitones == 0 || len(samples) == 0 {
		return samples, nil
	}
	s, err := pitch.NewSpectralPitchShifter(audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("pitch shifter: %w", err)
	}
	if err := s.SetPitchSemitones(semitones); err != nil {
		return nil, fmt.Errorf("pitch shifter: %w", err)
	}
	buf := make([]float64, len(samples))
	for i, v := range samples {
		buf[i] = float64(v)
	}
	out := s.Process(buf)
	for i := range samples {
		samples[i] = audio.Clamp(out[i])
	}
	return samples, nil
}

func applyGain(samples []float32, volume float64) {
	if math.IsNaN(volume) {
		volume = 1
	}
	g := math.Max(0, math.Min(1, volume))
	for i, v := range samples {
		samples[i] = audio.Clamp(float64(v) * g)
	}
}

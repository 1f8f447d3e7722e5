package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satindergrewal/voxmod/internal/audio"
)

// ringSeconds is how much audio a device ring buffers in either direction.
const ringSeconds = 0.5

// Malgo opens capture and playback devices through miniaudio.
type Malgo struct {
	ctx    *malgo.AllocatedContext
	logger *zap.Logger
}

// NewMalgo initializes a miniaudio context.
func NewMalgo(logger *zap.Logger) (*Malgo, error) {
	logger = logger.With(zap.String("component", "malgo"))
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		logger.Debug(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Malgo{ctx: ctx, logger: logger}, nil
}

// Close releases the miniaudio context.
func (m *Malgo) Close() error {
	err := m.ctx.Uninit()
	m.ctx.Free()
	return err
}

// Devices lists capture and playback devices.
func (m *Malgo) Devices() ([]Info, error) {
	var out []Info
	for _, k := range []struct {
		kind Kind
		typ  malgo.DeviceType
	}{{KindInput, malgo.Capture}, {KindOutput, malgo.Playback}} {
		infos, err := m.ctx.Devices(k.typ)
		if err != nil {
			return nil, fmt.Errorf("list %s devices: %w", k.kind, err)
		}
		for _, d := range infos {
			out = append(out, Info{
				ID:      d.ID.String(),
				Name:    d.Name(),
				Kind:    k.kind,
				Default: d.IsDefault != 0,
			})
		}
	}
	return out, nil
}

func (m *Malgo) lookup(typ malgo.DeviceType, id string) (*malgo.DeviceID, error) {
	if isDefault(id) {
		return nil, nil
	}
	infos, err := m.ctx.Devices(typ)
	if err != nil {
		return nil, err
	}
	for _, d := range infos {
		if d.ID.String() == id {
			devID := d.ID
			return &devID, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// OpenInput opens a mono float32 capture stream at audio.SampleRate.
func (m *Malgo) OpenInput(id string) (Input, error) {
	devID, err := m.lookup(malgo.Capture, id)
	if err != nil {
		return nil, err
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = audio.Channels
	cfg.SampleRate = audio.SampleRate
	if devID != nil {
		cfg.Capture.DeviceID = devID.Pointer()
	}

	s := &malgoStream{ring: NewRing(int(audio.SampleRate * ringSeconds))}
	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			s.scratch = growFloats(s.scratch, len(in)/4)
			n := audio.DecodeFloat32(s.scratch, in)
			s.ring.Write(s.scratch[:n])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	s.dev = dev
	return s, nil
}

// OpenOutput opens a mono float32 playback stream at audio.SampleRate.
func (m *Malgo) OpenOutput(id string) (Output, error) {
	devID, err := m.lookup(malgo.Playback, id)
	if err != nil {
		return nil, err
	}
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = audio.Channels
	cfg.SampleRate = audio.SampleRate
	if devID != nil {
		cfg.Playback.DeviceID = devID.Pointer()
	}

	s := &malgoStream{ring: NewRing(int(audio.SampleRate * ringSeconds))}
	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			s.scratch = growFloats(s.scratch, len(out)/4)
			n := len(out) / 4
			s.ring.Read(s.scratch[:n])
			audio.EncodeFloat32(out, s.scratch[:n])
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	s.dev = dev
	return s, nil
}

// malgoStream serves as either a capture or playback stream; the device
// callback only ever touches one direction of the ring.
type malgoStream struct {
	dev     *malgo.Device
	ring    *Ring
	scratch []float32 // callback-owned

	closeOnce sync.Once
}

func (s *malgoStream) Start() error {
	s.ring.Reset()
	return s.dev.Start()
}

func (s *malgoStream) Stop() error { return s.dev.Stop() }

func (s *malgoStream) Read(frame []float32) int { return s.ring.Read(frame) }

func (s *malgoStream) Write(frame []float32) int { return s.ring.Write(frame) }

func (s *malgoStream) Close() error {
	s.closeOnce.Do(func() {
		s.dev.Uninit()
	})
	return nil
}

func growFloats(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

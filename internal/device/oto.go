package device

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/satindergrewal/voxmod/internal/audio"
)

// oto allows a single context per process; every session's player hangs
// off this one.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func sharedOto() (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   audio.SampleRate,
			ChannelCount: audio.Channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   audio.FrameDuration,
		})
		if err != nil {
			otoErr = fmt.Errorf("init oto: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// otoOutput plays the render loop's frames on the default output device.
// The player pulls through Read from its own goroutine.
type otoOutput struct {
	player  *oto.Player
	ring    *Ring
	scratch []float32 // player-goroutine owned

	closeOnce sync.Once
	closeErr  error
}

// OpenOto opens a playback stream on the system default output.
func OpenOto() (Output, error) {
	ctx, err := sharedOto()
	if err != nil {
		return nil, err
	}
	o := &otoOutput{ring: NewRing(int(audio.SampleRate * ringSeconds))}
	o.player = ctx.NewPlayer(o)
	o.player.SetBufferSize(audio.FrameBytes * 2)
	return o, nil
}

// Read implements io.Reader for the oto player. It never blocks and emits
// silence when the ring is empty.
func (o *otoOutput) Read(p []byte) (int, error) {
	n := len(p) / 4
	o.scratch = growFloats(o.scratch, n)
	o.ring.Read(o.scratch)
	return audio.EncodeFloat32(p, o.scratch), nil
}

func (o *otoOutput) Start() error {
	o.ring.Reset()
	o.player.Play()
	return nil
}

func (o *otoOutput) Stop() error {
	o.player.Pause()
	o.ring.Reset()
	return nil
}

func (o *otoOutput) Write(frame []float32) int { return o.ring.Write(frame) }

func (o *otoOutput) Close() error {
	o.closeOnce.Do(func() {
		o.closeErr = o.player.Close()
	})
	return o.closeErr
}

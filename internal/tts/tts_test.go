package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	pktts "github.com/AltairaLabs/PromptKit/runtime/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/voxmod/internal/audio"
)

// constantPCM returns n little-endian 16-bit samples of value v.
func constantPCM(n int, v int16) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

type fakeService struct {
	name  string
	pcm   []byte
	err   error
	calls atomic.Int32
	last  pktts.SynthesisConfig
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Synthesize(_ context.Context, _ string, cfg pktts.SynthesisConfig) (io.ReadCloser, error) {
	f.calls.Add(1)
	f.last = cfg
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.pcm)), nil
}

func (f *fakeService) SupportedVoices() []pktts.Voice { return nil }

func (f *fakeService) SupportedFormats() []pktts.AudioFormat {
	return []pktts.AudioFormat{pktts.FormatPCM16}
}

func TestEmptyTextSkipsBackend(t *testing.T) {
	svc := &fakeService{name: "openai", pcm: constantPCM(10, 1)}
	a := New(svc)

	for _, text := range []string{"", "   ", "\n\t"} {
		clip, err := a.Synthesize(context.Background(), Request{Text: text, Volume: 1})
		assert.ErrorIs(t, err, ErrNoText)
		assert.Nil(t, clip)
	}
	assert.Zero(t, svc.calls.Load())
}

func TestUnavailableWithoutBackend(t *testing.T) {
	a := New(nil)
	assert.False(t, a.Available())

	_, err := a.Synthesize(context.Background(), Request{Text: "hello"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSynthesizeResamplesAndAppliesVolume(t *testing.T) {
	svc := &fakeService{name: "openai", pcm: constantPCM(2400, 16384)}
	a := New(svc, WithModel("tts-1"))
	require.True(t, a.Available())

	clip, err := a.Synthesize(context.Background(), Request{Text: "hello", Voice: "male", Speed: 9, Volume: 0.5})
	require.NoError(t, err)

	assert.Equal(t, audio.SampleRate, clip.SampleRate())
	assert.Equal(t, 4800, clip.Len())
	assert.Equal(t, 100*time.Millisecond, clip.Duration())
	assert.Equal(t, "male", clip.Voice())
	for _, v := range clip.Samples() {
		require.InDelta(t, 0.25, v, 1e-4)
	}

	assert.Equal(t, pktts.VoiceOnyx, svc.last.Voice)
	assert.Equal(t, "pcm", svc.last.Format.Name)
	assert.Equal(t, 4.0, svc.last.Speed)
	assert.Equal(t, "tts-1", svc.last.Model)
}

func TestSynthesizeBackendFailure(t *testing.T) {
	boom := errors.New("boom")
	a := New(&fakeService{name: "openai", err: boom})

	clip, err := a.Synthesize(context.Background(), Request{Text: "hello", Volume: 1})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, clip)
}

func TestSynthesizePitchShiftKeepsLength(t *testing.T) {
	svc := &fakeService{name: "openai", pcm: constantPCM(4800, 8000)}
	a := New(svc)

	clip, err := a.Synthesize(context.Background(), Request{Text: "hi", Pitch: 5, Volume: 1})
	require.NoError(t, err)
	assert.Equal(t, 9600, clip.Len())
	for _, v := range clip.Samples() {
		require.LessOrEqual(t, v, float32(1))
		require.GreaterOrEqual(t, v, float32(-1))
	}
}

func TestVoiceMapping(t *testing.T) {
	tests := []struct {
		provider, voice, want string
	}{
		{"openai", "", pktts.VoiceAlloy},
		{"openai", "Default", pktts.VoiceAlloy},
		{"openai", "female", pktts.VoiceNova},
		{"openai", "whisper", pktts.VoiceShimmer},
		{"openai", "fable", "fable"},
		{"elevenlabs", "male", "ErXwobaYiN019PkySvjV"},
		{"elevenlabs", "robotic", "VR6AewLTigWG4xSOukaG"},
		{"cartesia", "male", "male"},
	}
	for _, tt := range tests {
		a := New(&fakeService{name: tt.provider})
		if got := a.voiceID(tt.voice); got != tt.want {
			t.Errorf("%s voiceID(%q) = %q, want %q", tt.provider, tt.voice, got, tt.want)
		}
	}
}

func TestNewProvider(t *testing.T) {
	a, err := NewProvider("openai", "", "", nil)
	require.NoError(t, err)
	assert.False(t, a.Available())

	a, err = NewProvider("ElevenLabs", "key", "", nil)
	require.NoError(t, err)
	assert.True(t, a.Available())

	_, err = NewProvider("festival", "key", "", nil)
	assert.Error(t, err)
}

func TestOpenAIProviderRoundTrip(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write(constantPCM(240, 1000))
	}))
	defer srv.Close()

	a := New(pktts.NewOpenAI("sk-test", pktts.WithOpenAIBaseURL(srv.URL)))
	clip, err := a.Synthesize(context.Background(), Request{Text: "hello there", Voice: "robotic", Volume: 1})
	require.NoError(t, err)

	assert.Equal(t, 480, clip.Len())
	assert.Equal(t, "hello there", got["input"])
	assert.Equal(t, pktts.VoiceEcho, got["voice"])
	assert.Equal(t, "pcm", got["response_format"])
}

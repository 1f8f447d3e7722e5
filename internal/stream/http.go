package stream

import (
	"encoding/binary"
	"net/http"
	"strconv"

	"github.com/AltairaLabs/PromptKit/runtime/stt"
	"go.uber.org/zap"

	"github.com/satindergrewal/voxmod/internal/audio"
)

// HTTPHandler serves a session's processed output as an endless 16-bit
// WAV stream, for monitors that cannot speak WebRTC.
type HTTPHandler struct {
	resolve Resolver
	logger  *zap.Logger
}

// NewHTTPHandler creates an HTTP monitor handler.
func NewHTTPHandler(resolve Resolver, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{resolve: resolve, logger: logger.With(zap.String("component", "http-monitor"))}
}

// streamHeader returns a WAV header whose sizes are left at their maximum
// so players keep reading.
func streamHeader() []byte {
	h := stt.WrapPCMAsWAV(nil, audio.SampleRate, audio.Channels, audio.BitDepth)
	binary.LittleEndian.PutUint32(h[4:8], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(h[40:44], 0xFFFFFFFF)
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	id := r.URL.Query().Get("session")
	b, ok := h.resolve(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	listener := b.Subscribe()
	defer b.Unsubscribe(listener)

	log := h.logger.With(zap.String("session", id))
	log.Info("listener connected", zap.Int("listeners", b.ListenerCount()))
	defer log.Info("listener disconnected")

	if _, err := w.Write(streamHeader()); err != nil {
		return
	}
	flusher.Flush()

	pcm := make([]byte, audio.FrameSamples*2)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case frame := <-listener.C:
			n := encodePCM16(pcm, frame)
			if _, err := w.Write(pcm[:n]); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func encodePCM16(dst []byte, frame audio.Frame) int {
	samples := audio.FloatToInt16(frame)
	n := 0
	for _, s := range samples {
		if n+2 > len(dst) {
			break
		}
		binary.LittleEndian.PutUint16(dst[n:], uint16(s))
		n += 2
	}
	return n
}

// ClipResolver finds a synthesized clip by session and clip ID.
type ClipResolver func(sessionID, clipID string) (*audio.Clip, bool)

// ClipHandler serves a finished speech clip as a WAV file.
type ClipHandler struct {
	resolve ClipResolver
}

func NewClipHandler(resolve ClipResolver) *ClipHandler {
	return &ClipHandler{resolve: resolve}
}

func (h *ClipHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clip, ok := h.resolve(q.Get("session"), q.Get("clip"))
	if !ok {
		http.Error(w, "unknown clip", http.StatusNotFound)
		return
	}

	samples := audio.FloatToInt16(clip.Samples())
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	wav := stt.WrapPCMAsWAV(pcm, clip.SampleRate(), audio.Channels, audio.BitDepth)

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Write(wav)
}

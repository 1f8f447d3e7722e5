// Package session maps one control connection to one engine and one
// parameter store, and dispatches decoded control messages to them.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satindergrewal/voxmod/internal/audio"
	"github.com/satindergrewal/voxmod/internal/device"
	"github.com/satindergrewal/voxmod/internal/engine"
	"github.com/satindergrewal/voxmod/internal/metrics"
	"github.com/satindergrewal/voxmod/internal/params"
	"github.com/satindergrewal/voxmod/internal/stream"
	"github.com/satindergrewal/voxmod/internal/tts"
)

// maxClips bounds how many synthesized clips a session keeps for download.
const maxClips = 8

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Devices device.Provider
	Engine  engine.Config
	TTS     tts.Synthesizer
	Metrics *metrics.Collector
	Logger  *zap.Logger

	// EngineOptions are appended to the per-session engine options.
	EngineOptions []engine.Option
}

// Session owns one engine, one parameter store and one monitor
// broadcaster. Handle is called from a single reader goroutine.
type Session struct {
	id          string
	store       *params.Store
	engine      *engine.Engine
	broadcaster *stream.Broadcaster
	devices     device.Provider
	tts         tts.Synthesizer
	metrics     *metrics.Collector
	logger      *zap.Logger

	inputID  string
	outputID string

	clipsMu sync.Mutex
	clips   []storedClip

	closeOnce sync.Once
	closeErr  error
}

type storedClip struct {
	id   string
	clip *audio.Clip
}

// New builds a session with its own store, engine and broadcaster. No
// device is touched until Open or Start.
func New(deps Deps) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	logger = logger.With(zap.String("session", id))

	store := params.NewStore()
	opts := append([]engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(deps.Metrics),
	}, deps.EngineOptions...)
	eng := engine.New(deps.Devices, store, deps.Engine, opts...)

	b := stream.NewBroadcaster()
	eng.SetTap(b.Publish)

	deps.Metrics.SessionOpened()
	return &Session{
		id:          id,
		store:       store,
		engine:      eng,
		broadcaster: b,
		devices:     deps.Devices,
		tts:         deps.TTS,
		metrics:     deps.Metrics,
		logger:      logger.With(zap.String("component", "session")),
		inputID:     device.DefaultID,
		outputID:    device.DefaultID,
	}
}

func (s *Session) ID() string { return s.id }

// Params returns the current parameter snapshot.
func (s *Session) Params() params.EffectParameters { return s.store.Snapshot() }

// Engine exposes the session's engine.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Broadcaster returns the monitor fan-out fed by the render loop.
func (s *Session) Broadcaster() *stream.Broadcaster { return s.broadcaster }

// Open initializes the engine. A failure leaves the session usable; the
// next start retries.
func (s *Session) Open(ctx context.Context) error {
	if err := s.engine.Initialize(ctx); err != nil {
		s.logger.Warn("engine initialization failed", zap.Error(err))
		return err
	}
	return nil
}

// Close releases the engine's devices and stops every monitor. It is
// idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.engine.Cleanup()
		s.broadcaster.Close()
		s.metrics.SessionClosed()
		if s.closeErr != nil {
			s.logger.Warn("session closed with error", zap.Error(s.closeErr))
		} else {
			s.logger.Info("session closed")
		}
	})
	return s.closeErr
}

// Clip returns a synthesized clip kept by this session.
func (s *Session) Clip(id string) (*audio.Clip, bool) {
	s.clipsMu.Lock()
	defer s.clipsMu.Unlock()
	for _, c := range s.clips {
		if c.id == id {
			return c.clip, true
		}
	}
	return nil, false
}

func (s *Session) keepClip(c *audio.Clip) string {
	id := uuid.NewString()
	s.clipsMu.Lock()
	defer s.clipsMu.Unlock()
	s.clips = append(s.clips, storedClip{id: id, clip: c})
	if len(s.clips) > maxClips {
		s.clips = append(s.clips[:0], s.clips[len(s.clips)-maxClips:]...)
	}
	return id
}

// Response is one reply to the client. The zero Response means no reply.
type Response struct {
	Type      string                   `json:"type,omitempty"`
	Status    string                   `json:"status,omitempty"`
	Error     string                   `json:"error,omitempty"`
	SessionID string                   `json:"session_id,omitempty"`
	Settings  *params.EffectParameters `json:"settings,omitempty"`
	Devices   []device.Info            `json:"devices,omitempty"`
	Inputs    []device.Info            `json:"inputs,omitempty"`
	Outputs   []device.Info            `json:"outputs,omitempty"`
	Presets   []string                 `json:"presets,omitempty"`
	Clip      *ClipInfo                `json:"clip,omitempty"`
	Engine    *EngineStatus            `json:"engine,omitempty"`
}

// Empty reports whether r carries nothing to send.
func (r Response) Empty() bool {
	return r.Type == "" && r.Status == "" && r.Error == ""
}

// ClipInfo references a synthesized clip.
type ClipInfo struct {
	ID         string `json:"id"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Samples    int    `json:"samples"`
	DurationMS int64  `json:"duration_ms"`
	URL        string `json:"url"`
}

// EngineStatus reports the engine's lifecycle and counters.
type EngineStatus struct {
	State  string `json:"state"`
	Frames uint64 `json:"frames"`
	Faults uint64 `json:"faults"`
}

func errorResponse(msg string) Response { return Response{Error: msg} }

func serverError(err error) Response { return errorResponse("Server error: " + err.Error()) }

type deviceSelection struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type message struct {
	Type     string           `json:"type"`
	Action   string           `json:"action"`
	Name     string           `json:"name"`
	Settings json.RawMessage  `json:"settings"`
	Devices  *deviceSelection `json:"devices"`
}

type ttsSettings struct {
	Text   string   `json:"text"`
	Voice  string   `json:"voice"`
	Pitch  *float64 `json:"pitch"`
	Speed  *float64 `json:"speed"`
	Volume *float64 `json:"volume"`
}

// Handle decodes and dispatches one raw control message. It never panics
// and never asks for the connection to be closed.
func (s *Session) Handle(ctx context.Context, raw []byte) (resp Response) {
	var msg message
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("handler panic", zap.Any("panic", rec), zap.String("type", msg.Type))
			resp = serverError(fmt.Errorf("%v", rec))
		}
		outcome := "ok"
		if resp.Error != "" {
			outcome = "error"
		}
		s.metrics.IncMessage(metricType(msg.Type), outcome)
	}()

	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorResponse("Invalid JSON")
	}

	switch msg.Type {
	case "modulator":
		return s.handleModulator(msg)
	case "recording", "realtime":
		return s.handleRecording(ctx, msg)
	case "tts":
		return s.handleTTS(ctx, msg)
	case "system":
		return s.handleSystem(ctx, msg)
	case "preset":
		return s.handlePreset(msg)
	case "":
		return errorResponse("Missing message type")
	}
	return errorResponse(fmt.Sprintf("Unknown message type: %s", msg.Type))
}

func metricType(t string) string {
	switch t {
	case "modulator", "recording", "realtime", "tts", "system", "preset":
		return t
	}
	return "other"
}

func (s *Session) handleModulator(msg message) Response {
	if len(msg.Settings) == 0 || string(msg.Settings) == "null" {
		snap := s.store.Snapshot()
		return Response{Status: "settings_updated", Settings: &snap}
	}

	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(msg.Settings))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return errorResponse("Invalid JSON")
	}

	u := make(params.Update, len(fields))
	for k, v := range fields {
		u[params.Field(k)] = v
	}
	err := s.store.Apply(u)
	snap := s.store.Snapshot()
	if err != nil {
		s.logger.Debug("rejected parameters", zap.Error(err))
		return Response{
			Error:    "Invalid parameter: " + strings.ReplaceAll(err.Error(), "\n", "; "),
			Settings: &snap,
		}
	}
	return Response{Status: "settings_updated", Settings: &snap}
}

func (s *Session) handleRecording(ctx context.Context, msg message) Response {
	switch msg.Action {
	case "start":
		if msg.Devices != nil && s.selectionChanged(*msg.Devices) {
			if err := s.selectDevices(ctx, *msg.Devices, false); err != nil {
				return serverError(err)
			}
		}
		if err := s.engine.Start(ctx); err != nil {
			return serverError(err)
		}
		return Response{Status: "recording_started"}
	case "stop":
		resp := Response{Status: "recording_stopped"}
		if err := s.engine.Stop(); err != nil {
			resp.Error = "Server error: " + err.Error()
		}
		return resp
	}
	return errorResponse(fmt.Sprintf("Unknown %s action: %s", msg.Type, msg.Action))
}

func (s *Session) handleTTS(ctx context.Context, msg message) Response {
	if msg.Action != "play" {
		// Settings-only updates from the client carry no action.
		return Response{}
	}

	var st ttsSettings
	if len(msg.Settings) > 0 {
		if err := json.Unmarshal(msg.Settings, &st); err != nil {
			return errorResponse("Invalid JSON")
		}
	}
	if strings.TrimSpace(st.Text) == "" {
		return errorResponse("No text provided")
	}
	if s.tts == nil {
		s.metrics.IncTTS("unavailable")
		return errorResponse("Failed to generate speech")
	}

	req := tts.Request{Text: st.Text, Voice: st.Voice, Speed: 1, Volume: 1}
	if st.Pitch != nil {
		req.Pitch = *st.Pitch
	}
	if st.Speed != nil {
		req.Speed = *st.Speed
	}
	if st.Volume != nil {
		req.Volume = *st.Volume
	}

	clip, err := s.tts.Synthesize(ctx, req)
	if err != nil {
		s.metrics.IncTTS("error")
		s.logger.Warn("speech synthesis failed", zap.Error(err))
		return errorResponse("Failed to generate speech")
	}
	s.metrics.IncTTS("ok")

	id := s.keepClip(clip)
	return Response{Status: "tts_completed", Clip: &ClipInfo{
		ID:         id,
		Voice:      clip.Voice(),
		SampleRate: clip.SampleRate(),
		Samples:    clip.Len(),
		DurationMS: clip.Duration().Milliseconds(),
		URL:        fmt.Sprintf("/api/clips?session=%s&clip=%s", s.id, id),
	}}
}

func (s *Session) handleSystem(ctx context.Context, msg message) Response {
	switch msg.Action {
	case "get_audio_devices":
		infos, err := s.devices.Devices()
		if err != nil {
			return serverError(err)
		}
		resp := Response{Type: "audio_devices", Devices: infos}
		for _, d := range infos {
			if d.Kind == device.KindInput {
				resp.Inputs = append(resp.Inputs, d)
			} else {
				resp.Outputs = append(resp.Outputs, d)
			}
		}
		return resp
	case "set_audio_devices":
		if msg.Devices == nil {
			return errorResponse("No devices provided")
		}
		if err := s.selectDevices(ctx, *msg.Devices, true); err != nil {
			return serverError(err)
		}
		return Response{Status: "devices_updated"}
	case "get_status":
		return Response{Type: "status", SessionID: s.id, Engine: &EngineStatus{
			State:  s.engine.State().String(),
			Frames: s.engine.Frames(),
			Faults: s.engine.Faults(),
		}}
	}
	return errorResponse(fmt.Sprintf("Unknown system action: %s", msg.Action))
}

func (s *Session) handlePreset(msg message) Response {
	if msg.Action == "list" {
		return Response{Type: "presets", Presets: params.PresetNames()}
	}
	p, err := params.Preset(msg.Name)
	if err != nil {
		return errorResponse("Invalid parameter: " + err.Error())
	}
	s.store.Replace(p)
	snap := s.store.Snapshot()
	return Response{Status: "settings_updated", Settings: &snap}
}

func (s *Session) selectionChanged(sel deviceSelection) bool {
	in, out := normalizeID(sel.Input), normalizeID(sel.Output)
	return in != s.inputID || out != s.outputID
}

func normalizeID(id string) string {
	if id == "" {
		return device.DefaultID
	}
	return id
}

// selectDevices swaps the engine onto new devices. A running engine is
// restarted on them; an idle one is reopened when reopen is set.
func (s *Session) selectDevices(ctx context.Context, sel deviceSelection, reopen bool) error {
	in, out := normalizeID(sel.Input), normalizeID(sel.Output)
	if in == s.inputID && out == s.outputID && s.engine.State() != engine.Uninitialized {
		return nil
	}
	wasProcessing := s.engine.State() == engine.Processing
	cleanupErr := s.engine.Cleanup()
	if cleanupErr != nil && !errors.Is(cleanupErr, engine.ErrShutdownTimeout) {
		return cleanupErr
	}

	s.engine.SelectDevices(in, out)
	s.inputID, s.outputID = in, out
	s.logger.Info("devices selected", zap.String("input", in), zap.String("output", out))

	switch {
	case wasProcessing:
		return s.engine.Start(ctx)
	case reopen:
		return s.engine.Initialize(ctx)
	}
	return nil
}

package device

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/satindergrewal/voxmod/internal/audio"
)

// Memory is an in-process provider for headless servers and tests. Its
// input plays a fixed tone (or silence) and its output keeps the most
// recent samples in a ring.
type Memory struct {
	// ToneHz selects the input signal; zero yields silence.
	ToneHz float64

	mu       sync.Mutex
	failNext error
	inputs   []*MemoryStream
	outputs  []*MemoryStream

	opened   atomic.Int64
	released atomic.Int64
}

// NewMemory returns a memory provider producing a tone at hz.
func NewMemory(hz float64) *Memory {
	return &Memory{ToneHz: hz}
}

// FailNextOpen makes the next OpenInput or OpenOutput return err.
func (m *Memory) FailNextOpen(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Opened returns how many streams were opened.
func (m *Memory) Opened() int64 { return m.opened.Load() }

// Released returns how many streams were closed.
func (m *Memory) Released() int64 { return m.released.Load() }

// Outputs returns the output streams opened so far.
func (m *Memory) Outputs() []*MemoryStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MemoryStream(nil), m.outputs...)
}

func (m *Memory) takeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failNext
	m.failNext = nil
	return err
}

// OpenInput opens a generated input stream.
func (m *Memory) OpenInput(id string) (Input, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	s := m.newStream()
	m.mu.Lock()
	m.inputs = append(m.inputs, s)
	m.mu.Unlock()
	return s, nil
}

// OpenOutput opens a recording output stream.
func (m *Memory) OpenOutput(id string) (Output, error) {
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	s := m.newStream()
	m.mu.Lock()
	m.outputs = append(m.outputs, s)
	m.mu.Unlock()
	return s, nil
}

// Devices lists the two virtual devices.
func (m *Memory) Devices() ([]Info, error) {
	return []Info{
		{ID: "memory-in", Name: "Memory Input", Kind: KindInput, Default: true},
		{ID: "memory-out", Name: "Memory Output", Kind: KindOutput, Default: true},
	}, nil
}

func (m *Memory) newStream() *MemoryStream {
	m.opened.Add(1)
	return &MemoryStream{
		owner: m,
		hz:    m.ToneHz,
		ring:  NewRing(int(audio.SampleRate * ringSeconds)),
	}
}

// MemoryStream is both an Input and an Output.
type MemoryStream struct {
	owner *Memory
	hz    float64
	phase float64
	ring  *Ring

	running atomic.Bool
	closed  atomic.Bool
	starts  atomic.Int64
	stops   atomic.Int64
	written atomic.Int64
}

func (s *MemoryStream) Start() error {
	s.starts.Add(1)
	s.running.Store(true)
	return nil
}

func (s *MemoryStream) Stop() error {
	if s.running.Swap(false) {
		s.stops.Add(1)
	}
	return nil
}

// Read fills frame with the tone while running, otherwise silence.
func (s *MemoryStream) Read(frame []float32) int {
	if !s.running.Load() || s.hz == 0 {
		clear(frame)
		return 0
	}
	step := 2 * math.Pi * s.hz / audio.SampleRate
	for i := range frame {
		frame[i] = float32(0.5 * math.Sin(s.phase))
		s.phase += step
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return len(frame)
}

// Write records frame.
func (s *MemoryStream) Write(frame []float32) int {
	s.written.Add(int64(len(frame)))
	return s.ring.Write(frame)
}

func (s *MemoryStream) Close() error {
	if !s.closed.Swap(true) {
		s.running.Store(false)
		s.owner.released.Add(1)
	}
	return nil
}

// Running reports whether the stream is started.
func (s *MemoryStream) Running() bool { return s.running.Load() }

// Closed reports whether the stream was closed.
func (s *MemoryStream) Closed() bool { return s.closed.Load() }

// Starts returns how many times Start was called.
func (s *MemoryStream) Starts() int64 { return s.starts.Load() }

// Written returns the number of samples written.
func (s *MemoryStream) Written() int64 { return s.written.Load() }

// Drain reads up to n recorded samples.
func (s *MemoryStream) Drain(n int) []float32 {
	buf := make([]float32, n)
	k := s.ring.Read(buf)
	return buf[:k]
}

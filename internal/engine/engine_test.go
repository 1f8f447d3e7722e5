package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satindergrewal/voxmod/internal/audio"
	"github.com/satindergrewal/voxmod/internal/device"
	"github.com/satindergrewal/voxmod/internal/effects"
	"github.com/satindergrewal/voxmod/internal/params"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FrameDuration = 2 * time.Millisecond
	cfg.StopTimeout = 500 * time.Millisecond
	return cfg
}

// passthrough copies input to output.
type passthrough struct{ resets atomic.Int32 }

func (p *passthrough) Render(in, out []float32, _ params.EffectParameters) []effects.Fault {
	copy(out, in)
	return nil
}

func (p *passthrough) Reset() { p.resets.Add(1) }

func withProcessor(p Processor) Option {
	return WithProcessorFactory(func(effects.Config) (Processor, error) { return p, nil })
}

func newTestEngine(t *testing.T, mem *device.Memory, opts ...Option) *Engine {
	t.Helper()
	e := New(mem, params.NewStore(), testConfig(), opts...)
	t.Cleanup(func() { e.Cleanup() })
	return e
}

func waitFrames(t *testing.T, e *Engine, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Frames() >= n }, 2*time.Second, time.Millisecond)
}

func peak(frame []float32) float64 {
	var m float64
	for _, v := range frame {
		m = math.Max(m, math.Abs(float64(v)))
	}
	return m
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Uninitialized, "uninitialized"},
		{Initialized, "initialized"},
		{Processing, "processing"},
		{Stopping, "stopping"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestInitializeIsIdempotent(t *testing.T) {
	mem := device.NewMemory(0)
	e := newTestEngine(t, mem)

	require.NoError(t, e.Initialize(context.Background()))
	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, Initialized, e.State())
	assert.EqualValues(t, 2, mem.Opened())
}

func TestStartImplicitlyInitializes(t *testing.T) {
	mem := device.NewMemory(0)
	e := newTestEngine(t, mem, withProcessor(&passthrough{}))

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, Processing, e.State())
	assert.EqualValues(t, 2, mem.Opened())
	require.NoError(t, e.Stop())
}

func TestStartWhileProcessingIsNoop(t *testing.T) {
	mem := device.NewMemory(220)
	e := newTestEngine(t, mem, withProcessor(&passthrough{}))

	require.NoError(t, e.Start(context.Background()))
	e.mu.Lock()
	first := e.run
	e.mu.Unlock()

	require.NoError(t, e.Start(context.Background()))
	e.mu.Lock()
	second := e.run
	e.mu.Unlock()

	assert.Same(t, first, second, "second Start must not launch another loop")
	assert.Equal(t, Processing, e.State())
	assert.EqualValues(t, 2, mem.Opened())
	outs := mem.Outputs()
	require.Len(t, outs, 1)
	assert.EqualValues(t, 1, outs[0].Starts())

	require.NoError(t, e.Stop())
	assert.Equal(t, Initialized, e.State())
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	mem := device.NewMemory(0)
	e := newTestEngine(t, mem)

	assert.NoError(t, e.Stop())
	assert.Equal(t, Uninitialized, e.State())

	require.NoError(t, e.Initialize(context.Background()))
	assert.NoError(t, e.Stop())
	assert.NoError(t, e.Stop())
	assert.Equal(t, Initialized, e.State())
}

func TestCleanupReleasesOnce(t *testing.T) {
	mem := device.NewMemory(0)
	e := newTestEngine(t, mem, withProcessor(&passthrough{}))

	assert.NoError(t, e.Cleanup(), "cleanup before initialize")
	assert.EqualValues(t, 0, mem.Released())

	require.NoError(t, e.Start(context.Background()))
	for i := 0; i < 5; i++ {
		assert.NoError(t, e.Cleanup())
	}
	assert.Equal(t, Uninitialized, e.State())
	assert.EqualValues(t, 2, mem.Opened())
	assert.EqualValues(t, 2, mem.Released())
}

func TestStartThenImmediateStop(t *testing.T) {
	mem := device.NewMemory(440)
	cfg := testConfig()
	e := newTestEngine(t, mem, withProcessor(&passthrough{}))

	require.NoError(t, e.Start(context.Background()))
	begin := time.Now()
	require.NoError(t, e.Stop())

	assert.Less(t, time.Since(begin), cfg.StopTimeout)
	assert.Equal(t, Initialized, e.State())
	outs := mem.Outputs()
	require.Len(t, outs, 1)
	assert.False(t, outs[0].Running(), "output stream must be halted")

	require.NoError(t, e.Cleanup())
	assert.Equal(t, Uninitialized, e.State())
}

func TestRestartAfterStop(t *testing.T) {
	mem := device.NewMemory(440)
	proc := &passthrough{}
	e := newTestEngine(t, mem, withProcessor(proc))

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Start(context.Background()))
		waitFrames(t, e, uint64(i+1)*3)
		require.NoError(t, e.Stop())
		assert.Equal(t, Initialized, e.State())
	}
	assert.EqualValues(t, 2, mem.Opened(), "streams are reused across runs")
	assert.EqualValues(t, 3, proc.resets.Load())
}

func TestStartDuringStoppingWaits(t *testing.T) {
	mem := device.NewMemory(440)
	e := newTestEngine(t, mem, withProcessor(&passthrough{}))

	require.NoError(t, e.Start(context.Background()))
	waitFrames(t, e, 10)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, e.Stop())
	}()
	require.Eventually(t, func() bool { return e.State() != Processing }, time.Second, time.Microsecond)
	require.NoError(t, e.Start(context.Background()))
	wg.Wait()

	assert.Equal(t, Processing, e.State())
	require.NoError(t, e.Stop())
}

// stuck blocks inside Render until released.
type stuck struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuck) Render(in, out []float32, _ params.EffectParameters) []effects.Fault {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	copy(out, in)
	return nil
}

func (s *stuck) Reset() {}

type countingMetrics struct {
	renders, faults, timeouts atomic.Int64
}

func (m *countingMetrics) ObserveRender(time.Duration) { m.renders.Add(1) }
func (m *countingMetrics) IncFault(string)             { m.faults.Add(1) }
func (m *countingMetrics) IncShutdownTimeout()         { m.timeouts.Add(1) }

func TestStopTimeoutForcesTeardown(t *testing.T) {
	mem := device.NewMemory(440)
	proc := &stuck{entered: make(chan struct{}), release: make(chan struct{})}
	metrics := &countingMetrics{}
	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	e := New(mem, params.NewStore(), cfg, withProcessor(proc), WithMetrics(metrics))
	defer close(proc.release)

	require.NoError(t, e.Start(context.Background()))
	<-proc.entered

	begin := time.Now()
	err := e.Stop()
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, time.Since(begin), time.Second)

	assert.Equal(t, Uninitialized, e.State())
	assert.EqualValues(t, 2, mem.Released())
	assert.EqualValues(t, 1, metrics.timeouts.Load())

	assert.NoError(t, e.Cleanup())
	assert.EqualValues(t, 2, mem.Released())
}

type failingOutput struct {
	*device.Memory
	err error
}

func (f failingOutput) OpenOutput(string) (device.Output, error) { return nil, f.err }

func TestInitializeFailureIsRetryable(t *testing.T) {
	errBusy := errors.New("device busy")
	mem := device.NewMemory(0)
	e := newTestEngine(t, mem)

	mem.FailNextOpen(errBusy)
	err := e.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitializationFailure)
	require.ErrorIs(t, err, errBusy)
	assert.Equal(t, Uninitialized, e.State())

	require.NoError(t, e.Initialize(context.Background()))
	assert.Equal(t, Initialized, e.State())
}

func TestInitializeReleasesPartialAcquisition(t *testing.T) {
	errBusy := errors.New("output busy")
	mem := device.NewMemory(0)
	e := New(failingOutput{Memory: mem, err: errBusy}, params.NewStore(), testConfig())

	err := e.Start(context.Background())
	require.ErrorIs(t, err, ErrInitializationFailure)
	require.ErrorIs(t, err, errBusy)
	assert.Equal(t, Uninitialized, e.State())
	assert.EqualValues(t, 1, mem.Opened())
	assert.EqualValues(t, 1, mem.Released())
}

func TestInitializeCanceledContext(t *testing.T) {
	mem := device.NewMemory(0)
	e := newTestEngine(t, mem)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Initialize(ctx)
	require.ErrorIs(t, err, ErrInitializationFailure)
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 0, mem.Opened())
}

// panicky fails every render.
type panicky struct{}

func (panicky) Render([]float32, []float32, params.EffectParameters) []effects.Fault {
	panic("boom")
}

func (panicky) Reset() {}

func TestProcessingFaultKeepsLoopAlive(t *testing.T) {
	mem := device.NewMemory(440)
	metrics := &countingMetrics{}
	e := newTestEngine(t, mem, withProcessor(panicky{}), WithMetrics(metrics))

	require.NoError(t, e.Start(context.Background()))
	waitFrames(t, e, 10)

	assert.GreaterOrEqual(t, e.Faults(), uint64(10))
	assert.GreaterOrEqual(t, metrics.faults.Load(), int64(10))
	assert.Equal(t, Processing, e.State())
	require.NoError(t, e.Stop(), "bypassed frames still ramp down")
	assert.Equal(t, Initialized, e.State())
}

// faulty reports a stage fault without panicking.
type faulty struct{}

func (faulty) Render(in, out []float32, _ params.EffectParameters) []effects.Fault {
	copy(out, in)
	return []effects.Fault{{Stage: "echo", Err: errors.New("nan")}}
}

func (faulty) Reset() {}

func TestStageFaultsAreCounted(t *testing.T) {
	mem := device.NewMemory(440)
	e := newTestEngine(t, mem, withProcessor(faulty{}))

	require.NoError(t, e.Start(context.Background()))
	waitFrames(t, e, 5)
	require.NoError(t, e.Stop())
	assert.Equal(t, e.Frames(), e.Faults())
}

func TestGainRampFadesIn(t *testing.T) {
	mem := device.NewMemory(440)
	cfg := testConfig()
	cfg.FrameDuration = 10 * time.Millisecond
	e := New(mem, params.NewStore(), cfg, withProcessor(&passthrough{}))
	defer e.Cleanup()

	require.NoError(t, e.Start(context.Background()))
	waitFrames(t, e, 8)

	outs := mem.Outputs()
	require.Len(t, outs, 1)
	got := outs[0].Drain(8 * audio.FrameSamples)
	require.Len(t, got, 8*audio.FrameSamples)

	// 100 ms at 48 kHz spans five frames; the first ends at 0.2 gain.
	first := got[:audio.FrameSamples]
	assert.InDelta(t, 0, first[0], 1e-3)
	assert.LessOrEqual(t, peak(first), 0.5*0.2+1e-6)
	assert.Greater(t, peak(got[6*audio.FrameSamples:7*audio.FrameSamples]), 0.45)

	require.NoError(t, e.Stop())
}

func TestTapReceivesFrames(t *testing.T) {
	mem := device.NewMemory(440)
	e := newTestEngine(t, mem, withProcessor(&passthrough{}))

	var taps atomic.Int64
	e.SetTap(func(f audio.Frame) {
		if len(f) == audio.FrameSamples {
			taps.Add(1)
		}
	})
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return taps.Load() >= 3 }, 2*time.Second, time.Millisecond)

	e.SetTap(nil)
	require.NoError(t, e.Stop())
}

func TestChainRendersThroughEngine(t *testing.T) {
	mem := device.NewMemory(440)
	store := params.NewStore()
	require.NoError(t, store.Apply(params.Update{"pitch": 7, "speed": 0.5, "reverb": 1.5, "echo": -1, "distortion": 0.9}))
	e := New(mem, store, testConfig())
	defer e.Cleanup()

	require.NoError(t, e.Start(context.Background()))
	waitFrames(t, e, 20)
	require.NoError(t, e.Stop())

	assert.Zero(t, e.Faults())
	for _, v := range mem.Outputs()[0].Drain(20 * audio.FrameSamples) {
		require.False(t, math.IsNaN(float64(v)))
		require.LessOrEqual(t, math.Abs(float64(v)), 1.0)
	}
}

func TestSelectDevices(t *testing.T) {
	e := New(device.NewMemory(0), params.NewStore(), testConfig())
	e.SelectDevices("mic-2", "")
	assert.Equal(t, "mic-2", e.inputID)
	assert.Equal(t, device.DefaultID, e.outputID)
}

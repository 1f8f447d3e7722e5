// Package engine drives the live render loop: it owns the device streams
// for one session, feeds captured frames through the effect chain and
// writes them to the output under a click-free gain envelope.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/voxmod/internal/audio"
	"github.com/satindergrewal/voxmod/internal/device"
	"github.com/satindergrewal/voxmod/internal/effects"
	"github.com/satindergrewal/voxmod/internal/params"
)

var (
	ErrInitializationFailure = errors.New("initialization failure")
	ErrShutdownTimeout       = errors.New("shutdown timeout")
	ErrProcessingFault       = effects.ErrProcessingFault
)

// State is the engine lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Initialized
	Processing
	Stopping
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Processing:
		return "processing"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Processor renders one frame. *effects.Chain is the production processor.
type Processor interface {
	Render(in, out []float32, p params.EffectParameters) []effects.Fault
	Reset()
}

// Metrics receives render loop observations.
type Metrics interface {
	ObserveRender(d time.Duration)
	IncFault(stage string)
	IncShutdownTimeout()
}

type noMetrics struct{}

func (noMetrics) ObserveRender(time.Duration) {}
func (noMetrics) IncFault(string)             {}
func (noMetrics) IncShutdownTimeout()         {}

// Config holds engine timing and chain settings.
type Config struct {
	RampDuration  time.Duration
	StopTimeout   time.Duration
	FrameDuration time.Duration
	Chain         effects.Config
}

// DefaultConfig returns a 100 ms ramp, a 1 s stop bound and 20 ms frames.
func DefaultConfig() Config {
	return Config{
		RampDuration:  100 * time.Millisecond,
		StopTimeout:   time.Second,
		FrameDuration: audio.FrameDuration,
		Chain:         effects.DefaultConfig(),
	}
}

// Option customizes an Engine.
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithProcessorFactory replaces the effect chain constructor.
func WithProcessorFactory(f func(effects.Config) (Processor, error)) Option {
	return func(e *Engine) { e.newProcessor = f }
}

func newChain(cfg effects.Config) (Processor, error) {
	return effects.New(cfg)
}

// Engine is one session's audio engine. Lifecycle methods are safe for
// concurrent use; the render loop never takes the lifecycle lock.
type Engine struct {
	cfg          Config
	provider     device.Provider
	store        *params.Store
	logger       *zap.Logger
	metrics      Metrics
	newProcessor func(effects.Config) (Processor, error)

	mu       sync.Mutex
	inputID  string
	outputID string
	in       device.Input
	out      device.Output
	proc     Processor
	run      *run

	state  atomic.Int32
	tap    atomic.Pointer[func(audio.Frame)]
	faults atomic.Uint64
	frames atomic.Uint64
}

// run is one Processing period of the render loop.
type run struct {
	stop      chan struct{}
	done      chan struct{}
	abandoned atomic.Bool
}

// New returns an Uninitialized engine reading parameters from store and
// opening devices through provider.
func New(provider device.Provider, store *params.Store, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.RampDuration <= 0 {
		cfg.RampDuration = def.RampDuration
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = def.FrameDuration
	}
	e := &Engine{
		cfg:          cfg,
		provider:     provider,
		store:        store,
		logger:       zap.NewNop(),
		metrics:      noMetrics{},
		newProcessor: newChain,
		inputID:      device.DefaultID,
		outputID:     device.DefaultID,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Faults returns the number of processing faults recovered so far.
func (e *Engine) Faults() uint64 { return e.faults.Load() }

// Frames returns the number of frames rendered so far.
func (e *Engine) Frames() uint64 { return e.frames.Load() }

// SetTap installs fn to receive every rendered frame. fn runs on the render
// loop and must not block; the frame is only valid during the call.
// A nil fn removes the tap.
func (e *Engine) SetTap(fn func(audio.Frame)) {
	if fn == nil {
		e.tap.Store(nil)
		return
	}
	e.tap.Store(&fn)
}

// SelectDevices sets the device IDs used by the next Initialize.
func (e *Engine) SelectDevices(inputID, outputID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inputID == "" {
		inputID = device.DefaultID
	}
	if outputID == "" {
		outputID = device.DefaultID
	}
	e.inputID, e.outputID = inputID, outputID
}

// Initialize acquires the device streams and builds the effect chain.
// It is a no-op unless the engine is Uninitialized. On failure nothing is
// held and the call may be retried.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initializeLocked(ctx)
}

func (e *Engine) initializeLocked(ctx context.Context) error {
	if e.State() != Uninitialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInitializationFailure, err)
	}

	in, err := e.provider.OpenInput(e.inputID)
	if err != nil {
		return fmt.Errorf("%w: open input %q: %w", ErrInitializationFailure, e.inputID, err)
	}
	out, err := e.provider.OpenOutput(e.outputID)
	if err != nil {
		in.Close()
		return fmt.Errorf("%w: open output %q: %w", ErrInitializationFailure, e.outputID, err)
	}
	proc, err := e.newProcessor(e.cfg.Chain)
	if err != nil {
		in.Close()
		out.Close()
		return fmt.Errorf("%w: build chain: %w", ErrInitializationFailure, err)
	}

	e.in, e.out, e.proc = in, out, proc
	e.state.Store(int32(Initialized))
	e.logger.Info("initialized", zap.String("input", e.inputID), zap.String("output", e.outputID))
	return nil
}

// Start begins processing, initializing first if needed. It is a no-op
// while Processing. A Start issued during Stopping waits for the stop to
// complete.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == Processing {
		return nil
	}
	if err := e.initializeLocked(ctx); err != nil {
		return err
	}

	if err := e.in.Start(); err != nil {
		return fmt.Errorf("%w: start input: %w", ErrInitializationFailure, err)
	}
	if err := e.out.Start(); err != nil {
		e.in.Stop()
		return fmt.Errorf("%w: start output: %w", ErrInitializationFailure, err)
	}

	e.proc.Reset()
	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	e.run = r
	e.state.Store(int32(Processing))
	go e.loop(r, e.in, e.out, e.proc)

	e.logger.Info("processing started")
	return nil
}

// Stop ramps the output down and halts the device streams. It is a no-op
// unless Processing. Stop waits at most StopTimeout for the render loop;
// past that it tears the engine down itself and returns ErrShutdownTimeout.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *Engine) stopLocked() error {
	if e.State() != Processing {
		return nil
	}
	r := e.run
	e.state.Store(int32(Stopping))
	close(r.stop)

	timer := time.NewTimer(e.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-r.done:
		e.run = nil
		e.state.Store(int32(Initialized))
		e.logger.Info("processing stopped")
		return nil
	case <-timer.C:
	}

	// The loop is wedged. Detach it and release everything so the engine
	// can be started again from scratch.
	r.abandoned.Store(true)
	e.run = nil
	e.metrics.IncShutdownTimeout()
	err := e.releaseLocked()
	e.logger.Error("render loop did not acknowledge stop", zap.Duration("timeout", e.cfg.StopTimeout), zap.Error(err))
	return errors.Join(fmt.Errorf("%w after %s", ErrShutdownTimeout, e.cfg.StopTimeout), err)
}

// Cleanup stops processing and releases the device streams. It is safe to
// call any number of times; each stream is closed once.
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	stopErr := e.stopLocked()
	if errors.Is(stopErr, ErrShutdownTimeout) {
		return stopErr
	}
	return errors.Join(stopErr, e.releaseLocked())
}

func (e *Engine) releaseLocked() error {
	var errs []error
	if e.in != nil {
		e.in.Stop()
		errs = append(errs, e.in.Close())
		e.in = nil
	}
	if e.out != nil {
		e.out.Stop()
		errs = append(errs, e.out.Close())
		e.out = nil
	}
	released := e.proc != nil
	e.proc = nil
	e.state.Store(int32(Uninitialized))
	if released {
		e.logger.Info("devices released")
	}
	return errors.Join(errs...)
}

// loop renders one frame per tick until a stop has been signalled and the
// gain envelope has reached silence.
func (e *Engine) loop(r *run, in device.Input, out device.Output, proc Processor) {
	defer close(r.done)

	ticker := time.NewTicker(e.cfg.FrameDuration)
	defer ticker.Stop()

	ramp := audio.NewRamp(e.cfg.RampDuration, audio.SampleRate)
	ramp.FadeIn()
	inBuf := audio.NewFrame()
	outBuf := audio.NewFrame()

	stop := r.stop
	for {
		select {
		case <-stop:
			stop = nil
			ramp.FadeOut()
			if ramp.Silent() {
				e.halt(r, in, out)
				return
			}
		case <-ticker.C:
			if r.abandoned.Load() {
				return
			}
			e.cycle(in, out, proc, ramp, inBuf, outBuf)
			if stop == nil && ramp.Silent() {
				e.halt(r, in, out)
				return
			}
		}
	}
}

func (e *Engine) halt(r *run, in device.Input, out device.Output) {
	if r.abandoned.Load() {
		return
	}
	if err := in.Stop(); err != nil {
		e.logger.Warn("stop input", zap.Error(err))
	}
	if err := out.Stop(); err != nil {
		e.logger.Warn("stop output", zap.Error(err))
	}
}

// cycle renders one frame. Each step runs behind its own recover so the
// envelope keeps moving even when a step keeps failing.
func (e *Engine) cycle(in device.Input, out device.Output, proc Processor, ramp *audio.Ramp, inBuf, outBuf audio.Frame) {
	start := time.Now()

	if err := protect(func() { in.Read(inBuf) }); err != nil {
		clear(inBuf)
		e.fault(effects.Fault{Stage: "input", Err: err})
	}

	p := e.store.Snapshot()
	if err := protect(func() {
		for _, f := range proc.Render(inBuf, outBuf, p) {
			e.fault(f)
		}
	}); err != nil {
		copy(outBuf, inBuf)
		protect(proc.Reset)
		e.fault(effects.Fault{Stage: "chain", Err: err})
	}

	ramp.Apply(outBuf)

	if err := protect(func() { out.Write(outBuf) }); err != nil {
		e.fault(effects.Fault{Stage: "output", Err: err})
	}
	if tap := e.tap.Load(); tap != nil {
		if err := protect(func() { (*tap)(outBuf) }); err != nil {
			e.fault(effects.Fault{Stage: "tap", Err: err})
		}
	}

	e.frames.Add(1)
	e.metrics.ObserveRender(time.Since(start))
}

func (e *Engine) fault(f effects.Fault) {
	n := e.faults.Add(1)
	e.metrics.IncFault(f.Stage)
	if n == 1 || n%100 == 0 {
		e.logger.Warn("stage bypassed", zap.String("stage", f.Stage), zap.Uint64("faults", n), zap.Error(f.Err))
	}
}

func protect(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: panic: %v", ErrProcessingFault, rec)
		}
	}()
	fn()
	return nil
}

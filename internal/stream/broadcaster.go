// Package stream fans a session's processed frames out to remote
// monitors over WebRTC (Opus) and plain HTTP (WAV).
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/voxmod/internal/audio"
)

const listenerBacklog = 3 * time.Second

// listenerBuffer is how many frames a listener may fall behind.
var listenerBuffer = audio.FramesFor(listenerBacklog)

// Broadcaster fans out frames from one render loop to N listeners.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	closed    bool
}

// Listener receives frames from the broadcaster. Frames on C come from a
// ring owned by the listener and are overwritten later, so a consumer must
// be done with one frame before it receives the next.
type Listener struct {
	C       chan audio.Frame // buffered channel of 20ms frames
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64

	// written only by Publish
	ring []audio.Frame
	next int
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Dropped returns how many frames were skipped because C was full.
func (l *Listener) Dropped() uint64 { return l.dropped.Load() }

func (l *Listener) stop() { l.once.Do(func() { close(l.done) }) }

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener. Subscribing to a closed broadcaster
// returns a listener that is already done.
func (b *Broadcaster) Subscribe() *Listener {
	// Two spare slots: one the consumer may still hold, one being filled.
	l := &Listener{
		C:    make(chan audio.Frame, listenerBuffer),
		done: make(chan struct{}),
		ring: make([]audio.Frame, listenerBuffer+2),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		l.stop()
		return l
	}
	b.listeners[l] = struct{}{}
	return l
}

// Unsubscribe removes a listener and signals it to stop. Safe to repeat.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.stop()
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish hands a copy of frame to every listener without blocking.
// Slow listeners get frames dropped rather than stalling the caller,
// which is the render loop. Publish must be called from one goroutine;
// once every ring slot has been filled it does not allocate.
func (b *Broadcaster) Publish(frame audio.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		l.offer(frame)
	}
}

func (l *Listener) offer(frame audio.Frame) {
	if len(l.C) == cap(l.C) {
		l.dropped.Add(1)
		return
	}
	slot := l.ring[l.next]
	if cap(slot) < len(frame) {
		slot = make(audio.Frame, len(frame))
	}
	slot = slot[:len(frame)]
	copy(slot, frame)
	l.ring[l.next] = slot

	select {
	case l.C <- slot:
		l.next = (l.next + 1) % len(l.ring)
	default:
		l.dropped.Add(1)
	}
}

// Close stops every listener; later subscribers are done immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for l := range b.listeners {
		delete(b.listeners, l)
		l.stop()
	}
}

// Resolver finds the broadcaster of a live session.
type Resolver func(sessionID string) (*Broadcaster, bool)

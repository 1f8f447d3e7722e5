package device

import "sync"

// Ring is a bounded FIFO of float32 samples shared between a device
// callback and the render loop. The lock is held only while copying.
type Ring struct {
	mu    sync.Mutex
	buf   []float32
	start int
	n     int

	dropped uint64
}

// NewRing returns a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float32, capacity)}
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Dropped returns how many samples were discarded on overflow.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Write appends samples, discarding the oldest ones when full.
func (r *Ring) Write(samples []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	if len(samples) > size {
		r.dropped += uint64(len(samples) - size)
		samples = samples[len(samples)-size:]
	}
	if over := r.n + len(samples) - size; over > 0 {
		r.start = (r.start + over) % size
		r.n -= over
		r.dropped += uint64(over)
	}
	end := (r.start + r.n) % size
	k := copy(r.buf[end:], samples)
	copy(r.buf, samples[k:])
	r.n += len(samples)
	return len(samples)
}

// Read fills dst from the oldest samples and zero-pads the remainder.
// It returns the number of buffered samples copied.
func (r *Ring) Read(dst []float32) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(dst)
	if n > r.n {
		n = r.n
	}
	size := len(r.buf)
	k := copy(dst[:n], r.buf[r.start:])
	copy(dst[k:n], r.buf)
	r.start = (r.start + n) % size
	r.n -= n
	clear(dst[n:])
	return n
}

// Reset drops all buffered samples.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.start, r.n = 0, 0
	r.mu.Unlock()
}

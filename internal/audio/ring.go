package audio

// ring is a growable FIFO of float32 samples. Appends and prefix removal
// move only the samples involved; the backing array is reallocated only
// when a write would overflow it, doubling each time.
type ring struct {
	buf  []float32
	head int
	size int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]float32, capacity)}
}

func (r *ring) Len() int { return r.size }

func (r *ring) Cap() int { return len(r.buf) }

func (r *ring) write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.reserve(len(samples))
	tail := (r.head + r.size) % len(r.buf)
	n := copy(r.buf[tail:], samples)
	if n < len(samples) {
		copy(r.buf, samples[n:])
	}
	r.size += len(samples)
}

func (r *ring) writeSilence(n int) {
	if n <= 0 {
		return
	}
	r.reserve(n)
	tail := (r.head + r.size) % len(r.buf)
	for i := 0; i < n; i++ {
		r.buf[(tail+i)%len(r.buf)] = 0
	}
	r.size += n
}

// read moves the oldest len(dst) samples into dst. It reports false and
// leaves the ring untouched when fewer samples are buffered.
func (r *ring) read(dst []float32) bool {
	if len(dst) > r.size {
		return false
	}
	n := copy(dst, r.buf[r.head:min(r.head+len(dst), len(r.buf))])
	if n < len(dst) {
		copy(dst[n:], r.buf)
	}
	r.head = (r.head + len(dst)) % len(r.buf)
	r.size -= len(dst)
	if r.size == 0 {
		r.head = 0
	}
	return true
}

func (r *ring) reserve(extra int) {
	need := r.size + extra
	if need <= len(r.buf) {
		return
	}
	capacity := len(r.buf)
	for capacity < need {
		capacity *= 2
	}
	grown := make([]float32, capacity)
	buffered := r.size
	r.read(grown[:buffered])
	r.buf = grown
	r.head = 0
	r.size = buffered
}

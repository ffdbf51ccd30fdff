// Package ringbuf provides a lock-free, single-producer single-consumer
// (SPSC) ring buffer of raw datagrams. Each multicast receiver owns one
// ring: the socket goroutine produces, the parse goroutine consumes.
// Atomic head/tail with cache-line padding keeps the hot path free of
// locks and contention.
package ringbuf

import (
	"sync/atomic"
)

// cacheLine is the typical x86-64 cache line size used for padding.
const cacheLine = 64

// Datagram is one received UDP payload with its receive timestamp in
// microseconds since epoch. Data is owned by the ring entry; producers
// must hand over a buffer they will not reuse.
type Datagram struct {
	Data       []byte
	RecvMicros int64
}

// Ring is a lock-free SPSC ring buffer of datagrams.
// Size must be a power of two for fast bitwise modulo.
type Ring struct {
	buf  []Datagram
	mask uint64

	// Separate cache lines to prevent false sharing between producer and consumer.
	_pad0 [cacheLine]byte
	head  atomic.Uint64 // written by producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // written by consumer
	_pad2 [cacheLine]byte

	// Overflow counter (atomic, for metrics)
	overflow atomic.Uint64
}

// New creates a ring buffer. capacity is rounded up to the next power of two.
// Minimum capacity is 2.
func New(capacity int) *Ring {
	cap := nextPow2(capacity)
	if cap < 2 {
		cap = 2
	}
	return &Ring{
		buf:  make([]Datagram, cap),
		mask: uint64(cap - 1),
	}
}

// Push appends a datagram. Returns false if the buffer is full (the
// datagram is NOT written in that case). Non-blocking; a full ring
// means the parser is behind and the packet drops at the socket,
// exactly like a kernel receive-buffer overrun.
func (r *Ring) Push(d Datagram) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		return false
	}

	r.buf[head&r.mask] = d
	r.head.Store(head + 1)
	return true
}

// Pop retrieves the next datagram. Returns false if the buffer is
// empty. Non-blocking.
func (r *Ring) Pop() (Datagram, bool) {
	tail := r.tail.Load()
	head := r.head.Load()

	if tail >= head {
		return Datagram{}, false
	}

	d := r.buf[tail&r.mask]
	r.buf[tail&r.mask] = Datagram{} // release the payload
	r.tail.Store(tail + 1)
	return d, true
}

// Len returns the current number of items in the buffer.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the buffer capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of dropped pushes due to full buffer.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

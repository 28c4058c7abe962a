package audio

import (
	"sync"
	"time"
)

// BufferStats is a point-in-time snapshot of a [FrameBuffer]'s counters.
// Overflow and underflow are accounting, never errors: an overflow means the
// oldest frame was evicted to make room, an underflow means a consumer asked
// for data that was not there in time.
type BufferStats struct {
	// Overflows counts evictions of the oldest frame on a full Put.
	Overflows uint64

	// Underflows counts Get calls that returned empty after their wait.
	Underflows uint64

	// TotalSamples counts every sample ever passed to Put. Monotonic for
	// the buffer's lifetime; Clear does not reset it.
	TotalSamples uint64

	// CurrentSize is the number of frames queued right now.
	CurrentSize int

	// Capacity is the configured maximum frame count.
	Capacity int

	// FillPercent is CurrentSize/Capacity × 100.
	FillPercent float64
}

// FrameBuffer is a bounded FIFO of [Frame] shared between the real-time
// callback and consumer goroutines.
//
// Concurrency contract: [FrameBuffer.Put] runs on the real-time audio thread
// and holds the lock only for index bookkeeping — no allocation, no blocking.
// The playback side of the callback uses Get with a zero timeout (a poll) and
// substitutes silence on a miss. Consumer goroutines may use Get with a real
// timeout. The buffer never exceeds its capacity: a Put into a full buffer
// evicts the oldest frame first, so the buffer always holds the most recently
// put frames.
type FrameBuffer struct {
	mu     sync.Mutex
	frames []Frame
	head   int
	count  int

	overflows    uint64
	underflows   uint64
	totalSamples uint64

	// notify carries at most one pending wakeup for blocked Get callers.
	notify chan struct{}
}

// NewFrameBuffer creates a buffer holding at most depth frames. A depth
// below 1 is raised to 1.
func NewFrameBuffer(depth int) *FrameBuffer {
	if depth < 1 {
		depth = 1
	}
	return &FrameBuffer{
		frames: make([]Frame, depth),
		notify: make(chan struct{}, 1),
	}
}

// Put appends a frame, taking ownership of it. If the buffer is full the
// oldest frame is evicted first and the overflow counter incremented. Any
// waiter blocked in [FrameBuffer.Get] is woken.
func (b *FrameBuffer) Put(f Frame) {
	b.mu.Lock()
	if b.count == len(b.frames) {
		b.frames[b.head] = Frame{}
		b.head = (b.head + 1) % len(b.frames)
		b.count--
		b.overflows++
	}
	b.frames[(b.head+b.count)%len(b.frames)] = f
	b.count++
	b.totalSamples += uint64(len(f.Samples))
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Get removes and returns the oldest frame. When the buffer is empty it
// waits up to timeout for a Put; zero or negative timeout means a
// non-blocking poll. A miss increments the underflow counter and returns
// (zero Frame, false).
func (b *FrameBuffer) Get(timeout time.Duration) (Frame, bool) {
	if f, ok := b.tryGet(); ok {
		return f, true
	}
	if timeout <= 0 {
		b.noteUnderflow()
		return Frame{}, false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-b.notify:
			if f, ok := b.tryGet(); ok {
				return f, true
			}
		case <-timer.C:
			b.noteUnderflow()
			return Frame{}, false
		}
	}
}

// Latest returns a copy of the most recently put frame without disturbing
// queue order, or false when the buffer is empty. Used for level metering.
func (b *FrameBuffer) Latest() (Frame, bool) {
	b.mu.Lock()
	if b.count == 0 {
		b.mu.Unlock()
		return Frame{}, false
	}
	f := b.frames[(b.head+b.count-1)%len(b.frames)]
	b.mu.Unlock()
	return f.Clone(), true
}

// Clear empties the buffer. Cumulative statistics are preserved.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	for i := range b.frames {
		b.frames[i] = Frame{}
	}
	b.head = 0
	b.count = 0
	b.mu.Unlock()
}

// Len returns the number of frames currently queued.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Stats returns a snapshot of the buffer's counters.
func (b *FrameBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Overflows:    b.overflows,
		Underflows:   b.underflows,
		TotalSamples: b.totalSamples,
		CurrentSize:  b.count,
		Capacity:     len(b.frames),
		FillPercent:  float64(b.count) / float64(len(b.frames)) * 100,
	}
}

func (b *FrameBuffer) tryGet() (Frame, bool) {
	b.mu.Lock()
	if b.count == 0 {
		b.mu.Unlock()
		return Frame{}, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = Frame{}
	b.head = (b.head + 1) % len(b.frames)
	b.count--
	b.mu.Unlock()
	return f, true
}

func (b *FrameBuffer) noteUnderflow() {
	b.mu.Lock()
	b.underflows++
	b.mu.Unlock()
}

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer blocked on a frame channel during teardown.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}

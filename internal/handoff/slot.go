package handoff

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Request when the slot was closed before or
	// while waiting for a frame.
	ErrClosed = errors.New("handoff: slot closed")

	// ErrBusy is returned by Request when a previous request is still
	// outstanding (the producer owns the slot).
	ErrBusy = errors.New("handoff: frame already requested")
)

// Owner identifies which side currently holds the slot buffer.
type Owner int32

const (
	// Consumer holds the buffer: the last delivered frame may be read and
	// the producer must not write.
	Consumer Owner = iota

	// Producer holds the buffer: the consumer asked for a frame and the
	// next device callback may write into it.
	Producer
)

func (o Owner) String() string {
	switch o {
	case Consumer:
		return "consumer"
	case Producer:
		return "producer"
	default:
		return "unknown"
	}
}

// Slot is a single-buffer handoff between the device callback thread and the
// frame-request path.
//
// Architecture:
//   - One preallocated buffer, sized once per acquisition session
//   - Ownership flag decides who may touch the buffer (exactly one owner)
//   - Blocking consume (sync.Cond.Wait), no polling
//   - Drop policy: frames arriving while the consumer owns the slot are
//     discarded, the producer never blocks
//
// Thread-safety:
//   - All fields protected by mu
//   - Deliver: called by the device callback thread (single producer)
//   - Request: called by the streaming thread (single consumer)
//   - Close: any goroutine, typically session teardown
type Slot struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte

	owner   Owner
	writing bool // producer is filling buf outside the lock
	closed  bool

	delivered uint64
	dropped   uint64
}

// New allocates a slot with a buffer of size bytes. The consumer owns it
// initially, so deliveries are dropped until the first Request.
func New(size int) *Slot {
	s := &Slot{
		buf:   make([]byte, size),
		owner: Consumer,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Request hands ownership to the producer and blocks until a frame has been
// written into the buffer.
//
// The returned slice aliases the slot buffer. It stays valid until the next
// call to Request or Close; callers copy out what they need before that.
//
// Cancellation:
//   - ctx done, no write in progress: ownership returns to the consumer and
//     ctx.Err() is returned
//   - ctx done, write in progress: Request waits for the write and returns
//     the frame
//   - Close: ErrClosed
func (s *Slot) Request(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.owner != Consumer {
		return nil, ErrBusy
	}

	s.owner = Producer

	// Wake the wait loop when ctx is done. The lock is taken so the
	// broadcast cannot slip in between the ctx check and cond.Wait.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for s.owner == Producer && !s.closed {
		if ctx.Err() != nil && !s.writing {
			s.owner = Consumer
			return nil, ctx.Err()
		}
		s.cond.Wait()
	}

	if s.closed {
		return nil, ErrClosed
	}
	return s.buf, nil
}

// Deliver offers a new device frame to the slot.
//
// If the producer does not own the slot (no outstanding request), a write
// is already running, or the slot is closed, the frame is dropped and
// Deliver returns false immediately. Otherwise fill is called with the slot
// buffer, outside the lock, and on success ownership flips back to the
// consumer.
//
// A fill error leaves ownership with the producer so the next device frame
// can retry.
func (s *Slot) Deliver(fill func(dst []byte) error) bool {
	s.mu.Lock()
	if s.closed || s.owner != Producer || s.writing {
		s.dropped++
		s.mu.Unlock()
		return false
	}
	s.writing = true
	buf := s.buf
	s.mu.Unlock()

	err := fill(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writing = false
	ok := err == nil && !s.closed
	if ok {
		s.owner = Consumer
		s.delivered++
	}
	s.cond.Broadcast()
	return ok
}

// Close wakes a pending Request, waits for an in-flight Deliver to finish,
// and releases the buffer. No write starts after Close returns.
//
// Idempotent.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()
	for s.writing {
		s.cond.Wait()
	}
	s.buf = nil
}

// Owner reports the current owner of the slot.
func (s *Slot) Owner() Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Stats returns the number of frames delivered to and dropped by the slot.
func (s *Slot) Stats() (delivered, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered, s.dropped
}

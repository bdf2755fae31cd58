package threading

import (
	"sync/atomic"
	"time"
)

const writeRetryInterval = 50 * time.Microsecond

const (
	slotFree uint32 = iota
	slotWriting
	slotWritten
	slotReading
)

type bufferSlot[T any] struct {
	state   atomic.Uint32
	frameID atomic.Uint64
	value   T
}

// TripleBuffer hands values from one writer to one reader without either side blocking
// the other. The reader always gets the most recent complete write and never sees the
// same frame twice.
//
// Write and WriteFunc must only be called by the writer, Read and GetForRead only by the reader.
type TripleBuffer[T any] struct {
	slots [3]bufferSlot[T]

	published atomic.Uint64

	lastWritten uint64 // writer-owned
	lastRead    uint64 // reader-owned
}

func NewTripleBuffer[T any]() *TripleBuffer[T] {
	return &TripleBuffer[T]{}
}

// Write publishes v and returns its frame id.
func (b *TripleBuffer[T]) Write(v T) uint64 {
	return b.WriteFunc(func(slot *T) { *slot = v })
}

// WriteFunc fills a free slot in place and publishes it. The writer must not keep
// the pointer after fn returns.
func (b *TripleBuffer[T]) WriteFunc(fn func(slot *T)) uint64 {
	s := b.acquireWrite()
	fn(&s.value)

	b.lastWritten++
	s.frameID.Store(b.lastWritten)
	s.state.Store(slotWritten)
	b.published.Store(b.lastWritten)
	return b.lastWritten
}

// Published is the id of the most recent complete write, 0 if there has been none.
func (b *TripleBuffer[T]) Published() uint64 {
	return b.published.Load()
}

func (b *TripleBuffer[T]) acquireWrite() *bufferSlot[T] {
	for {
		var (
			pick    *bufferSlot[T]
			pickID  uint64
			current uint32
		)
		for i := range b.slots {
			s := &b.slots[i]
			state := s.state.Load()
			if state != slotFree && state != slotWritten {
				continue
			}
			if id := s.frameID.Load(); pick == nil || id < pickID {
				pick, pickID, current = s, id, state
			}
		}
		if pick != nil && pick.state.CompareAndSwap(current, slotWriting) {
			return pick
		}
		if pick == nil {
			time.Sleep(writeRetryInterval)
		}
	}
}

// ReadHandle gives the reader exclusive access to a slot until Release.
type ReadHandle[T any] struct {
	buffer   *TripleBuffer[T]
	slot     *bufferSlot[T]
	frameID  uint64
	released bool
}

func (h *ReadHandle[T]) FrameID() uint64 {
	return h.frameID
}

// Value must not be retained past Release unless T is itself immutable.
func (h *ReadHandle[T]) Value() T {
	return h.slot.value
}

// Release hands the slot back to the writer. Calling it more than once is a no-op.
func (h *ReadHandle[T]) Release() {
	if h.released {
		return
	}
	h.released = true
	h.buffer.release(h.slot, h.frameID)
}

// GetForRead acquires the newest unread frame. It returns false when nothing newer than
// the last read frame has been published; callers should idle briefly before retrying.
func (b *TripleBuffer[T]) GetForRead() (*ReadHandle[T], bool) {
	for {
		var (
			pick   *bufferSlot[T]
			pickID uint64
		)
		for i := range b.slots {
			s := &b.slots[i]
			if s.state.Load() != slotWritten {
				continue
			}
			if id := s.frameID.Load(); id > pickID {
				pick, pickID = s, id
			}
		}
		if pick == nil || pickID <= b.lastRead {
			return nil, false
		}
		if !pick.state.CompareAndSwap(slotWritten, slotReading) {
			continue
		}

		id := pick.frameID.Load()
		if id <= b.lastRead {
			pick.state.Store(slotWritten)
			return nil, false
		}
		b.lastRead = id
		return &ReadHandle[T]{buffer: b, slot: pick, frameID: id}, true
	}
}

// Read calls fn with the newest unread frame and reports whether there was one.
func (b *TripleBuffer[T]) Read(fn func(frameID uint64, v T)) bool {
	h, ok := b.GetForRead()
	if !ok {
		return false
	}
	defer h.Release()
	fn(h.frameID, h.Value())
	return true
}

func (b *TripleBuffer[T]) release(s *bufferSlot[T], frameID uint64) {
	for i := range b.slots {
		other := &b.slots[i]
		if other != s && other.state.Load() == slotWritten && other.frameID.Load() > frameID {
			s.state.Store(slotFree)
			return
		}
	}
	s.state.Store(slotWritten)
}

package shm

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Segment layout constants.
const (
	// Magic identifies an initialized ring segment ("HNDF").
	Magic uint32 = 0x48_4E_44_46
	// Version of the segment layout.
	Version uint32 = 1
	// HeaderSize is the size of RingHeader in bytes.
	HeaderSize = 64
	// ItemSize is the size of one slot in bytes.
	ItemSize = 4
)

// RingHeader is the fixed header at offset 0 of the segment. The slots
// follow it directly. Every field is accessed atomically because the peer
// process reads and writes the same memory.
type RingHeader struct {
	Magic       uint32 // 0x00
	Version     uint32 // 0x04
	Capacity    uint32 // 0x08
	CreatorPID  uint32 // 0x0C
	WriteCursor uint32 // 0x10: next slot to write
	ReadCursor  uint32 // 0x14: next slot to read
	InFlight    uint32 // 0x18: written and not yet read
	Holders     uint32 // 0x1C: goroutines inside the critical section
	Produced    uint64 // 0x20: total puts
	Consumed    uint64 // 0x28: total takes
	_           [16]byte
}

// SegmentSize returns the number of bytes needed for a ring of capacity slots.
func SegmentSize(capacity int) int {
	return HeaderSize + capacity*ItemSize
}

// RingBuffer is a view over a ring segment. put and take assume the caller
// holds the channel mutex and one permit of the matching counting semaphore;
// Channel is the only caller.
type RingBuffer struct {
	header   *RingHeader
	slots    []int32
	capacity uint32
}

// initRing writes a fresh header over mem. Only the creator of a region
// calls it, before any peer can attach.
func initRing(mem []byte, capacity int) error {
	if len(mem) < SegmentSize(capacity) {
		return fmt.Errorf("%w: %d bytes for capacity %d", ErrBadSegment, len(mem), capacity)
	}
	clear(mem[:SegmentSize(capacity)])
	h := (*RingHeader)(unsafe.Pointer(&mem[0]))
	atomic.StoreUint32(&h.Version, Version)
	atomic.StoreUint32(&h.Capacity, uint32(capacity))
	atomic.StoreUint32(&h.CreatorPID, uint32(os.Getpid()))
	atomic.StoreUint32(&h.Magic, Magic)
	return nil
}

// attachRing validates the header in mem and returns a view over it.
func attachRing(mem []byte) (*RingBuffer, error) {
	if len(mem) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the header", ErrBadSegment, len(mem))
	}
	h := (*RingHeader)(unsafe.Pointer(&mem[0]))
	if m := atomic.LoadUint32(&h.Magic); m != Magic {
		return nil, fmt.Errorf("%w: magic %#x", ErrBadSegment, m)
	}
	if v := atomic.LoadUint32(&h.Version); v != Version {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrBadSegment, v, Version)
	}
	capacity := atomic.LoadUint32(&h.Capacity)
	if capacity == 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d", ErrBadSegment, capacity)
	}
	if len(mem) < SegmentSize(int(capacity)) {
		return nil, fmt.Errorf("%w: %d bytes for capacity %d", ErrBadSegment, len(mem), capacity)
	}
	if w := atomic.LoadUint32(&h.WriteCursor); w >= capacity {
		return nil, fmt.Errorf("%w: write cursor %d out of range", ErrBadSegment, w)
	}
	if r := atomic.LoadUint32(&h.ReadCursor); r >= capacity {
		return nil, fmt.Errorf("%w: read cursor %d out of range", ErrBadSegment, r)
	}
	if n := atomic.LoadUint32(&h.InFlight); n > capacity {
		return nil, fmt.Errorf("%w: %d items in flight", ErrBadSegment, n)
	}
	return &RingBuffer{
		header:   h,
		slots:    unsafe.Slice((*int32)(unsafe.Pointer(&mem[HeaderSize])), capacity),
		capacity: capacity,
	}, nil
}

// Capacity returns the number of slots.
func (r *RingBuffer) Capacity() int { return int(r.capacity) }

// enter marks the start of a critical section. A second concurrent holder
// means the mutex is not doing its job.
func (r *RingBuffer) enter(op string) error {
	if atomic.AddUint32(&r.header.Holders, 1) != 1 {
		atomic.AddUint32(&r.header.Holders, ^uint32(0))
		return &ProtocolError{Op: op, Reason: "critical section overlap"}
	}
	return nil
}

func (r *RingBuffer) leave() {
	atomic.AddUint32(&r.header.Holders, ^uint32(0))
}

// put stores item at the write cursor and advances it. It returns the slot
// index written.
func (r *RingBuffer) put(item int32) (int, error) {
	if err := r.enter("put"); err != nil {
		return 0, err
	}
	defer r.leave()

	h := r.header
	if atomic.LoadUint32(&h.InFlight) >= r.capacity {
		return 0, &ProtocolError{Op: "put", Reason: "slot not vacated"}
	}
	idx := atomic.LoadUint32(&h.WriteCursor)
	atomic.StoreInt32(&r.slots[idx], item)
	atomic.StoreUint32(&h.WriteCursor, (idx+1)%r.capacity)
	atomic.AddUint32(&h.InFlight, 1)
	atomic.AddUint64(&h.Produced, 1)
	return int(idx), nil
}

// take loads the item at the read cursor and advances it. It returns the
// item and the slot index read.
func (r *RingBuffer) take() (int32, int, error) {
	if err := r.enter("take"); err != nil {
		return 0, 0, err
	}
	defer r.leave()

	h := r.header
	if atomic.LoadUint32(&h.InFlight) == 0 {
		return 0, 0, &ProtocolError{Op: "take", Reason: "slot not filled"}
	}
	idx := atomic.LoadUint32(&h.ReadCursor)
	item := atomic.LoadInt32(&r.slots[idx])
	atomic.StoreUint32(&h.ReadCursor, (idx+1)%r.capacity)
	atomic.AddUint32(&h.InFlight, ^uint32(0))
	atomic.AddUint64(&h.Consumed, 1)
	return item, int(idx), nil
}

// snapshot reads the header counters. The values are individually atomic
// but not mutually consistent unless the caller holds the mutex.
func (r *RingBuffer) snapshot() ringSnapshot {
	h := r.header
	return ringSnapshot{
		Capacity:    int(r.capacity),
		CreatorPID:  int(atomic.LoadUint32(&h.CreatorPID)),
		WriteCursor: int(atomic.LoadUint32(&h.WriteCursor)),
		ReadCursor:  int(atomic.LoadUint32(&h.ReadCursor)),
		InFlight:    int(atomic.LoadUint32(&h.InFlight)),
		Produced:    atomic.LoadUint64(&h.Produced),
		Consumed:    atomic.LoadUint64(&h.Consumed),
	}
}

type ringSnapshot struct {
	Capacity    int
	CreatorPID  int
	WriteCursor int
	ReadCursor  int
	InFlight    int
	Produced    uint64
	Consumed    uint64
}

// newHeapSegment allocates an 8-byte aligned segment for in-process use.
func newHeapSegment(capacity int) []byte {
	size := SegmentSize(capacity)
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

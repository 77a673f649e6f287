package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Channel is one side's handle on a bounded handoff: the mapped ring plus
// the three semaphores guarding it. The producer side calls Put and the
// consumer side calls Take; each side opens its own Channel on the same
// Config.Name.
//
// All methods are safe for concurrent use. Close unblocks pending calls.
type Channel struct {
	cfg     Config
	ring    *RingBuffer
	sems    SemaphoreSet
	region  *Region
	created bool

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc

	// mu is held shared by every operation and exclusively by Close, so the
	// mapping is never released under a running operation.
	mu     sync.RWMutex
	closed atomic.Bool
}

// Stats is a point-in-time view of a channel. Counters are read without
// the mutex, so they may be mutually inconsistent while items are moving.
type Stats struct {
	Name        string `json:"name"`
	Capacity    int    `json:"capacity"`
	WriteCursor int    `json:"write_cursor"`
	ReadCursor  int    `json:"read_cursor"`
	InFlight    int    `json:"in_flight"`
	Produced    uint64 `json:"produced"`
	Consumed    uint64 `json:"consumed"`
	CreatorPID  int    `json:"creator_pid"`
	Created     bool   `json:"created"`
	// EmptySlots and FilledSlots are the semaphore counts, or -1 where the
	// platform cannot report them.
	EmptySlots  int `json:"empty_slots"`
	FilledSlots int `json:"filled_slots"`
}

// Open creates or attaches to the channel described by cfg.
//
// Setup runs under a per-channel bootstrap lock. The first side to arrive
// creates the semaphores and then the region, and only it initializes the
// ring. Later sides attach. Any failure releases whatever was acquired
// and is returned as a *SetupError.
func Open(cfg Config) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &SetupError{Op: "validate", Name: cfg.Name, Err: err}
	}
	dir := cfg.dir()
	names := namesFor(cfg.Name)

	unlock, err := lockBootstrap(dir, names.Lock, cfg.ConnectionTimeout, cfg.RetryInterval)
	if err != nil {
		return nil, &SetupError{Op: "lock", Name: names.Lock, Err: err}
	}
	defer func() {
		if err := unlock(); err != nil {
			Warn("bootstrap unlock failed", "name", names.Lock, "error", err)
		}
	}()

	var undo []func() error
	fail := func(op, name string, cause error) (*Channel, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i](); err != nil {
				Warn("setup rollback step failed", "op", op, "error", err)
			}
		}
		return nil, &SetupError{Op: op, Name: name, Err: cause}
	}

	ch := &Channel{cfg: cfg}
	size := SegmentSize(cfg.Capacity)

	region, err := OpenShm(dir, names.Region, size)
	switch {
	case err == nil:
		undo = append(undo, region.Close)
		ring, err := attachRing(region.Mem)
		if err != nil {
			return fail("attach region", names.Region, err)
		}
		if ring.Capacity() != cfg.Capacity {
			return fail("attach region", names.Region,
				fmt.Errorf("%w: capacity %d, want %d", ErrBadSegment, ring.Capacity(), cfg.Capacity))
		}
		ch.region, ch.ring = region, ring

		for _, s := range []struct {
			name string
			dst  *Semaphore
		}{
			{names.Empty, &ch.sems.EmptySlots},
			{names.Full, &ch.sems.FilledSlots},
			{names.Mutex, &ch.sems.Mutex},
		} {
			sem, err := OpenSemaphore(dir, s.name)
			if err != nil {
				return fail("open semaphore", s.name, err)
			}
			undo = append(undo, sem.Close)
			sem.SetPollInterval(cfg.PollInterval)
			*s.dst = sem
		}
		Info("attached to channel", "name", cfg.Name, "capacity", cfg.Capacity)

	case errors.Is(err, fs.ErrNotExist):
		// Semaphores left by a side that died mid-setup carry stale counts.
		for _, name := range []string{names.Empty, names.Full, names.Mutex} {
			if err := UnlinkSemaphore(dir, name); err != nil {
				return fail("unlink stale semaphore", name, err)
			}
		}

		for _, s := range []struct {
			name    string
			initial uint32
			dst     *Semaphore
		}{
			{names.Empty, uint32(cfg.Capacity), &ch.sems.EmptySlots},
			{names.Full, 0, &ch.sems.FilledSlots},
			{names.Mutex, 1, &ch.sems.Mutex},
		} {
			sem, err := CreateSemaphore(dir, s.name, s.initial)
			if err != nil {
				return fail("create semaphore", s.name, err)
			}
			name := s.name
			undo = append(undo, func() error {
				return errors.Join(sem.Close(), UnlinkSemaphore(dir, name))
			})
			sem.SetPollInterval(cfg.PollInterval)
			*s.dst = sem
		}

		region, err := CreateShm(dir, names.Region, size, func(mem []byte) error {
			return initRing(mem, cfg.Capacity)
		})
		if err != nil {
			return fail("create region", names.Region, err)
		}
		undo = append(undo, func() error {
			return errors.Join(region.Close(), UnlinkShm(dir, names.Region))
		})
		ring, err := attachRing(region.Mem)
		if err != nil {
			return fail("attach region", names.Region, err)
		}
		ch.region, ch.ring, ch.created = region, ring, true
		Info("created channel", "name", cfg.Name, "capacity", cfg.Capacity, "dir", dir)

	default:
		return fail("open region", names.Region, err)
	}

	ch.ctx, ch.cancel = context.WithCancel(context.Background())
	return ch, nil
}

// NewLocalChannel returns an in-process channel backed by heap memory and
// LocalSemaphores. It panics if capacity is outside [1, MaxCapacity].
func NewLocalChannel(capacity int) *Channel {
	if capacity < 1 || capacity > MaxCapacity {
		panic(fmt.Sprintf("shm: invalid capacity %d", capacity))
	}
	mem := newHeapSegment(capacity)
	if err := initRing(mem, capacity); err != nil {
		panic(err)
	}
	ring, err := attachRing(mem)
	if err != nil {
		panic(err)
	}

	cfg := DefaultConfig()
	cfg.Name = "local"
	cfg.Capacity = capacity
	ch := &Channel{
		cfg:     cfg,
		ring:    ring,
		sems:    NewLocalSemaphoreSet(capacity),
		created: true,
	}
	ch.ctx, ch.cancel = context.WithCancel(context.Background())
	return ch
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.cfg.Name }

// Capacity returns the number of slots in the ring.
func (c *Channel) Capacity() int { return c.ring.Capacity() }

// Created reports whether this handle created and initialized the ring.
func (c *Channel) Created() bool { return c.created }

// Put blocks until a slot is free, then stores item and returns the slot
// index it went to.
func (c *Channel) Put(ctx context.Context, item int32) (int, error) {
	return c.put(ctx, item, true)
}

// TryPut is Put without waiting for a free slot. It returns ErrWouldBlock
// when the ring is full.
func (c *Channel) TryPut(item int32) (int, error) {
	return c.put(context.Background(), item, false)
}

// Take blocks until an item is available, then removes it and returns it
// with the slot index it came from.
func (c *Channel) Take(ctx context.Context) (int32, int, error) {
	return c.take(ctx, true)
}

// TryTake is Take without waiting for an item. It returns ErrWouldBlock
// when the ring is empty.
func (c *Channel) TryTake() (int32, int, error) {
	return c.take(context.Background(), false)
}

func (c *Channel) put(ctx context.Context, item int32, block bool) (int, error) {
	var idx int
	err := c.guarded(ctx, c.sems.EmptySlots, c.sems.FilledSlots, block, func() error {
		var err error
		idx, err = c.ring.put(item)
		if err == nil {
			Debug("placed item", "item", item, "index", idx)
		}
		return err
	})
	return idx, err
}

func (c *Channel) take(ctx context.Context, block bool) (int32, int, error) {
	var (
		item int32
		idx  int
	)
	err := c.guarded(ctx, c.sems.FilledSlots, c.sems.EmptySlots, block, func() error {
		var err error
		item, idx, err = c.ring.take()
		if err == nil {
			Debug("consumed item", "item", item, "index", idx)
		}
		return err
	})
	return item, idx, err
}

// guarded runs op under the full protocol: take a permit, take the mutex,
// run op, drop the mutex, then signal the other side. If op reports a
// ProtocolError the ring is untouched, so the permit goes back where it
// came from instead of becoming a signal.
func (c *Channel) guarded(ctx context.Context, permit, signal Semaphore, block bool, op func() error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	if block {
		if err := permit.Acquire(ctx); err != nil {
			return c.waitErr(err)
		}
	} else {
		ok, err := permit.TryAcquire()
		if err != nil {
			return c.waitErr(err)
		}
		if !ok {
			return ErrWouldBlock
		}
	}

	if err := c.sems.Mutex.Acquire(ctx); err != nil {
		return errors.Join(c.waitErr(err), permit.Release())
	}

	opErr := op()
	unlockErr := c.sems.Mutex.Release()

	var pe *ProtocolError
	if errors.As(opErr, &pe) {
		Warn("protocol violation", "name", c.cfg.Name, "op", pe.Op, "reason", pe.Reason)
		return errors.Join(opErr, unlockErr, permit.Release())
	}
	if opErr != nil {
		return errors.Join(opErr, unlockErr, permit.Release())
	}
	return errors.Join(unlockErr, signal.Release())
}

// waitErr maps a wait interrupted by Close to ErrClosed.
func (c *Channel) waitErr(err error) error {
	if c.closed.Load() || errors.Is(err, ErrClosed) {
		return ErrClosed
	}
	return err
}

// Stats returns a snapshot of the ring counters and semaphore counts.
func (c *Channel) Stats() (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return Stats{}, ErrClosed
	}
	st := statsFrom(c.cfg.Name, c.ring.snapshot())
	st.Created = c.created
	st.EmptySlots = semValue(c.sems.EmptySlots)
	st.FilledSlots = semValue(c.sems.FilledSlots)
	return st, nil
}

// inFlight reads the in-flight count, or 0 once closed.
func (c *Channel) inFlight() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return 0
	}
	return c.ring.snapshot().InFlight
}

// Close releases this side's handles. Blocked Put and Take calls return
// ErrClosed. The named objects survive unless cfg.Unlink is set. Closing
// twice is a no-op.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if err := c.sems.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.region != nil {
		if err := c.region.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.cfg.Unlink {
			if err := Unlink(c.cfg); err != nil {
				errs = append(errs, err)
			}
		}
	}
	Info("closed channel", "name", c.cfg.Name, "unlink", c.cfg.Unlink)
	return errors.Join(errs...)
}

// Inspect reads the Stats of an existing channel without joining it. It
// takes no lock and touches no semaphore count, so it is safe to run
// against a live pair. The capacity is read from the segment; cfg only
// supplies Name and Dir.
func Inspect(cfg Config) (Stats, error) {
	dir := cfg.dir()
	names := namesFor(cfg.Name)

	// Map the header first to learn the capacity, then the whole ring.
	r, err := OpenShm(dir, names.Region, HeaderSize)
	if err != nil {
		return Stats{}, err
	}
	h := (*RingHeader)(unsafe.Pointer(&r.Mem[0]))
	capacity := int(atomic.LoadUint32(&h.Capacity))
	if err := r.Close(); err != nil {
		return Stats{}, fmt.Errorf("close header mapping: %w", err)
	}
	if capacity < 1 || capacity > MaxCapacity {
		return Stats{}, fmt.Errorf("%w: capacity %d", ErrBadSegment, capacity)
	}

	r, err = OpenShm(dir, names.Region, SegmentSize(capacity))
	if err != nil {
		return Stats{}, err
	}
	ring, err := attachRing(r.Mem)
	if err != nil {
		return Stats{}, errors.Join(err, r.Close())
	}
	st := statsFrom(cfg.Name, ring.snapshot())
	if err := r.Close(); err != nil {
		return Stats{}, fmt.Errorf("close region mapping: %w", err)
	}

	st.EmptySlots = peekSemaphore(dir, names.Empty)
	st.FilledSlots = peekSemaphore(dir, names.Full)
	return st, nil
}

// Unlink removes every named object of the channel described by cfg.
// Handles that are still open keep working; the next Open creates a fresh
// channel. Missing objects are not an error.
func Unlink(cfg Config) error {
	dir := cfg.dir()
	names := namesFor(cfg.Name)
	return errors.Join(
		UnlinkShm(dir, names.Region),
		UnlinkSemaphore(dir, names.Empty),
		UnlinkSemaphore(dir, names.Full),
		UnlinkSemaphore(dir, names.Mutex),
		unlinkLock(dir, names.Lock),
	)
}

func statsFrom(name string, s ringSnapshot) Stats {
	return Stats{
		Name:        name,
		Capacity:    s.Capacity,
		WriteCursor: s.WriteCursor,
		ReadCursor:  s.ReadCursor,
		InFlight:    s.InFlight,
		Produced:    s.Produced,
		Consumed:    s.Consumed,
		CreatorPID:  s.CreatorPID,
		EmptySlots:  -1,
		FilledSlots: -1,
	}
}

func semValue(s Semaphore) int {
	if v, ok := s.(valuer); ok {
		return v.Value()
	}
	return -1
}

func peekSemaphore(dir, name string) int {
	s, err := OpenSemaphore(dir, name)
	if err != nil {
		return -1
	}
	defer s.Close()
	return semValue(s)
}

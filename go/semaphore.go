package shm

import (
	"context"
	"errors"
	"sync"
)

// Semaphore is a counting semaphore shared by the producer and consumer.
//
// Acquire blocks until the count is positive and then decrements it.
// Release increments the count and wakes at most one waiter; it never
// blocks. Releasing more often than acquiring is a caller bug, reported as
// ErrOverRelease where the implementation can detect it.
type Semaphore interface {
	Acquire(ctx context.Context) error
	TryAcquire() (bool, error)
	Release() error
	Close() error
}

// valuer is implemented by semaphores that can report their current count.
type valuer interface {
	Value() int
}

// SemaphoreSet holds the three semaphores guarding a ring.
type SemaphoreSet struct {
	EmptySlots  Semaphore // starts at capacity
	FilledSlots Semaphore // starts at 0
	Mutex       Semaphore // binary, starts at 1
}

// NewLocalSemaphoreSet returns an in-process set for a ring of capacity slots.
func NewLocalSemaphoreSet(capacity int) SemaphoreSet {
	return SemaphoreSet{
		EmptySlots:  NewLocalSemaphore(capacity, capacity),
		FilledSlots: NewLocalSemaphore(0, capacity),
		Mutex:       NewLocalSemaphore(1, 1),
	}
}

// Close closes every non-nil member and joins the errors.
func (s SemaphoreSet) Close() error {
	var errs []error
	for _, sem := range []Semaphore{s.EmptySlots, s.FilledSlots, s.Mutex} {
		if sem == nil {
			continue
		}
		if err := sem.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocalSemaphore is an in-process counting semaphore backed by a buffered
// channel holding one token per permit.
type LocalSemaphore struct {
	permits chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewLocalSemaphore returns a semaphore holding initial permits out of max.
// It panics if max < 1 or initial is outside [0, max].
func NewLocalSemaphore(initial, max int) *LocalSemaphore {
	if max < 1 || initial < 0 || initial > max {
		panic("shm: invalid local semaphore bounds")
	}
	s := &LocalSemaphore{
		permits: make(chan struct{}, max),
		done:    make(chan struct{}),
	}
	for i := 0; i < initial; i++ {
		s.permits <- struct{}{}
	}
	return s
}

// Acquire takes one permit, blocking until one is available, ctx is done,
// or the semaphore is closed.
func (s *LocalSemaphore) Acquire(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	// Prefer an available permit over an already cancelled context.
	select {
	case <-s.permits:
		return nil
	default:
	}
	select {
	case <-s.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// TryAcquire takes one permit if one is available right now.
func (s *LocalSemaphore) TryAcquire() (bool, error) {
	select {
	case <-s.done:
		return false, ErrClosed
	default:
	}
	select {
	case <-s.permits:
		return true, nil
	default:
		return false, nil
	}
}

// Release returns one permit.
func (s *LocalSemaphore) Release() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.permits <- struct{}{}:
		return nil
	default:
		return ErrOverRelease
	}
}

// Value returns the number of permits currently available.
func (s *LocalSemaphore) Value() int { return len(s.permits) }

// Close wakes every blocked Acquire with ErrClosed.
func (s *LocalSemaphore) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	semMagic    uint32 = 0x53454D31 // "SEM1"
	semFileSize        = 64
	semPrefix          = "sem."

	defaultPollInterval = 100 * time.Millisecond
)

// semWord is the shared layout of a named semaphore object.
type semWord struct {
	Count   uint32 // futex word
	Waiters uint32 // processes parked in futexWait
	Magic   uint32
	_       [52]byte
}

// NamedSemaphore is a counting semaphore living in a small shared file, so
// any process that opens the same name shares the count. Blocked acquirers
// spin briefly and then park on a futex.
type NamedSemaphore struct {
	name string
	path string
	fd   int
	mem  []byte
	word *semWord
	wait *WaitStrategy
	poll atomic.Int64

	mu     sync.RWMutex
	closed atomic.Bool
}

func semPath(dir, name string) string {
	return filepath.Join(dir, semPrefix+name)
}

func newNamedSemaphore(name, path string, fd int, mem []byte) *NamedSemaphore {
	s := &NamedSemaphore{
		name: name,
		path: path,
		fd:   fd,
		mem:  mem,
		word: (*semWord)(unsafe.Pointer(&mem[0])),
		wait: NewWaitStrategy(),
	}
	s.poll.Store(int64(defaultPollInterval))
	return s
}

func createSemaphore(dir, name string, initial uint32) (*NamedSemaphore, error) {
	path := semPath(dir, name)
	fd, mem, err := createObject(path, semFileSize, func(mem []byte) error {
		w := (*semWord)(unsafe.Pointer(&mem[0]))
		atomic.StoreUint32(&w.Count, initial)
		atomic.StoreUint32(&w.Magic, semMagic)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newNamedSemaphore(name, path, fd, mem), nil
}

func openSemaphore(dir, name string) (*NamedSemaphore, error) {
	path := semPath(dir, name)
	fd, mem, err := openObject(path, semFileSize)
	if err != nil {
		return nil, err
	}
	w := (*semWord)(unsafe.Pointer(&mem[0]))
	if atomic.LoadUint32(&w.Magic) != semMagic {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", path, ErrBadSemaphore)
	}
	return newNamedSemaphore(name, path, fd, mem), nil
}

func unlinkSemaphore(dir, name string) error {
	return unlinkObject(semPath(dir, name))
}

// SetPollInterval bounds each futex sleep, which is how often a blocked
// Acquire notices cancellation. Non-positive values are ignored.
func (s *NamedSemaphore) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll.Store(int64(d))
	}
}

func (s *NamedSemaphore) tryAcquire() bool {
	for {
		n := atomic.LoadUint32(&s.word.Count)
		if n == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&s.word.Count, n, n-1) {
			return true
		}
	}
}

// Acquire takes one permit, blocking until one is available, ctx is done,
// or the semaphore is closed.
func (s *NamedSemaphore) Acquire(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}

	var waitErr error
	sleep := func() {
		if ctx.Err() != nil || s.closed.Load() {
			return
		}
		atomic.AddUint32(&s.word.Waiters, 1)
		err := futexWait(&s.word.Count, 0, time.Duration(s.poll.Load()))
		atomic.AddUint32(&s.word.Waiters, ^uint32(0))
		if err != nil && !errors.Is(err, ErrFutexTimeout) {
			waitErr = err
		}
	}

	for {
		if s.wait.Wait(s.tryAcquire, sleep) {
			return nil
		}
		if waitErr != nil {
			return fmt.Errorf("acquire %s: %w", s.name, waitErr)
		}
		if s.closed.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// TryAcquire takes one permit if one is available right now.
func (s *NamedSemaphore) TryAcquire() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.tryAcquire(), nil
}

// Release returns one permit and wakes one parked waiter, if any.
func (s *NamedSemaphore) Release() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	atomic.AddUint32(&s.word.Count, 1)
	if atomic.LoadUint32(&s.word.Waiters) > 0 {
		if _, err := futexWake(&s.word.Count, 1); err != nil {
			return fmt.Errorf("release %s: %w", s.name, err)
		}
	}
	return nil
}

// Value returns the current count, or 0 once closed.
func (s *NamedSemaphore) Value() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return 0
	}
	return int(atomic.LoadUint32(&s.word.Count))
}

// Close wakes local waiters, waits for in-flight calls to return and unmaps
// the object. The named object survives for other processes.
func (s *NamedSemaphore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Parked waiters re-check the closed flag once woken.
	futexWake(&s.word.Count, math.MaxInt32)

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := unix.Munmap(s.mem); err != nil {
		errs = append(errs, fmt.Errorf("munmap %s: %w", s.path, err))
	}
	if err := unix.Close(s.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", s.path, err))
	}
	s.mem = nil
	s.word = nil
	return errors.Join(errs...)
}

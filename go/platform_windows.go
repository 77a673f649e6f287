//go:build windows

package shm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procCreateSemaphoreW   = kernel32.NewProc("CreateSemaphoreW")
	procOpenSemaphoreW     = kernel32.NewProc("OpenSemaphoreW")
	procReleaseSemaphore   = kernel32.NewProc("ReleaseSemaphore")
	procCreateFileMappingW = kernel32.NewProc("CreateFileMappingW")
	procOpenFileMappingW   = kernel32.NewProc("OpenFileMappingW")
)

const (
	FILE_MAP_ALL_ACCESS  = 0xF001F
	SEMAPHORE_ALL_ACCESS = 0x1F0003

	semaphoreMaxCount = 1 << 30

	waitObject0   = 0x00000000
	waitAbandoned = 0x00000080
	waitTimeout   = 0x00000102

	errTooManyPosts = syscall.Errno(298)

	defaultPollInterval = 100 * time.Millisecond
)

// Kernel objects are named, not backed by files, so dir is ignored on Windows.
func objectName(name string) (*uint16, error) {
	return windows.UTF16PtrFromString(`Local\` + name)
}

func mapView(hMap windows.Handle, size int) ([]byte, error) {
	addr, err := windows.MapViewOfFile(hMap, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// createShm implementation for Windows (pagefile-backed file mapping).
func createShm(dir, name string, size int, init func([]byte) error) (*Region, error) {
	n, err := objectName(name)
	if err != nil {
		return nil, err
	}

	// High-order DWORD of size is size >> 32
	hMap, _, callErr := procCreateFileMappingW.Call(
		uintptr(windows.InvalidHandle),
		0,
		uintptr(windows.PAGE_READWRITE),
		uintptr(uint64(size)>>32),
		uintptr(uint64(size)&0xFFFFFFFF),
		uintptr(unsafe.Pointer(n)),
	)
	if hMap == 0 {
		return nil, fmt.Errorf("CreateFileMapping %s: %w", name, callErr)
	}
	if errors.Is(callErr, windows.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(windows.Handle(hMap))
		return nil, fmt.Errorf("%s: %w", name, fs.ErrExist)
	}

	mem, err := mapView(windows.Handle(hMap), size)
	if err != nil {
		windows.CloseHandle(windows.Handle(hMap))
		return nil, fmt.Errorf("MapViewOfFile %s: %w", name, err)
	}

	if init != nil {
		if err := init(mem); err != nil {
			windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&mem[0])))
			windows.CloseHandle(windows.Handle(hMap))
			return nil, err
		}
	}
	return &Region{Name: name, Mem: mem, handle: ShmHandle(hMap)}, nil
}

// openShm implementation for Windows.
func openShm(dir, name string, size int) (*Region, error) {
	n, err := objectName(name)
	if err != nil {
		return nil, err
	}

	// OpenFileMappingW(dwDesiredAccess, bInheritHandle, lpName)
	hMap, _, callErr := procOpenFileMappingW.Call(
		uintptr(FILE_MAP_ALL_ACCESS),
		0,
		uintptr(unsafe.Pointer(n)),
	)
	if hMap == 0 {
		if errors.Is(callErr, windows.ERROR_FILE_NOT_FOUND) {
			return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("OpenFileMapping %s: %w", name, callErr)
	}

	mem, err := mapView(windows.Handle(hMap), size)
	if err != nil {
		windows.CloseHandle(windows.Handle(hMap))
		return nil, fmt.Errorf("MapViewOfFile %s: %w: %w", name, ErrNotReady, err)
	}
	return &Region{Name: name, Mem: mem, handle: ShmHandle(hMap)}, nil
}

// closeShm implementation for Windows. Closing twice is a no-op.
func closeShm(r *Region) error {
	if r.Mem == nil {
		return nil
	}
	var errs []error
	if err := windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&r.Mem[0]))); err != nil {
		errs = append(errs, fmt.Errorf("UnmapViewOfFile %s: %w", r.Name, err))
	}
	r.Mem = nil
	if err := windows.CloseHandle(windows.Handle(r.handle)); err != nil {
		errs = append(errs, fmt.Errorf("CloseHandle %s: %w", r.Name, err))
	}
	return errors.Join(errs...)
}

// The mapping disappears with its last handle.
func unlinkShm(dir, name string) error { return nil }

func unlinkLock(dir, name string) error { return nil }

// NamedSemaphore is a Win32 semaphore object shared by name within the
// session.
type NamedSemaphore struct {
	name   string
	handle windows.Handle
	poll   atomic.Int64

	mu     sync.RWMutex
	closed atomic.Bool
}

func newNamedSemaphore(name string, h windows.Handle) *NamedSemaphore {
	s := &NamedSemaphore{name: name, handle: h}
	s.poll.Store(int64(defaultPollInterval))
	return s
}

func createSemaphore(dir, name string, initial uint32) (*NamedSemaphore, error) {
	n, err := objectName(name)
	if err != nil {
		return nil, err
	}
	// CreateSemaphoreW(lpAttributes, lInitialCount, lMaximumCount, lpName)
	h, _, callErr := procCreateSemaphoreW.Call(0, uintptr(initial), semaphoreMaxCount, uintptr(unsafe.Pointer(n)))
	if h == 0 {
		return nil, fmt.Errorf("CreateSemaphore %s: %w", name, callErr)
	}
	if errors.Is(callErr, windows.ERROR_ALREADY_EXISTS) {
		windows.CloseHandle(windows.Handle(h))
		return nil, fmt.Errorf("%s: %w", name, fs.ErrExist)
	}
	return newNamedSemaphore(name, windows.Handle(h)), nil
}

func openSemaphore(dir, name string) (*NamedSemaphore, error) {
	n, err := objectName(name)
	if err != nil {
		return nil, err
	}
	h, _, callErr := procOpenSemaphoreW.Call(uintptr(SEMAPHORE_ALL_ACCESS), 0, uintptr(unsafe.Pointer(n)))
	if h == 0 {
		if errors.Is(callErr, windows.ERROR_FILE_NOT_FOUND) {
			return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("OpenSemaphore %s: %w", name, callErr)
	}
	return newNamedSemaphore(name, windows.Handle(h)), nil
}

func unlinkSemaphore(dir, name string) error { return nil }

// SetPollInterval bounds each wait, which is how often a blocked Acquire
// notices cancellation. Non-positive values are ignored.
func (s *NamedSemaphore) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.poll.Store(int64(d))
	}
}

func (s *NamedSemaphore) waitFor(ms uint32) (bool, error) {
	ev, err := windows.WaitForSingleObject(s.handle, ms)
	switch ev {
	case waitObject0:
		return true, nil
	case waitTimeout:
		return false, nil
	default:
		return false, fmt.Errorf("WaitForSingleObject %s: %w", s.name, err)
	}
}

// Acquire takes one permit, blocking until one is available, ctx is done,
// or the semaphore is closed.
func (s *NamedSemaphore) Acquire(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for {
		if s.closed.Load() {
			return ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.waitFor(uint32(time.Duration(s.poll.Load()).Milliseconds()))
		if err != nil || ok {
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
	return s.waitFor(0)
}

// Release returns one permit.
func (s *NamedSemaphore) Release() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	r, _, callErr := procReleaseSemaphore.Call(uintptr(s.handle), 1, 0)
	if r == 0 {
		if errors.Is(callErr, errTooManyPosts) {
			return ErrOverRelease
		}
		return fmt.Errorf("ReleaseSemaphore %s: %w", s.name, callErr)
	}
	return nil
}

// Close waits for in-flight calls to return and closes the handle.
func (s *NamedSemaphore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return windows.CloseHandle(s.handle)
}

// lockBootstrap implementation for Windows: a named mutex. Mutex ownership
// is per thread, so the calling goroutine stays locked to its thread until
// the returned unlock runs.
func lockBootstrap(dir, name string, timeout, retry time.Duration) (func() error, error) {
	n, err := objectName(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateMutex(nil, false, n)
	if h == 0 {
		return nil, fmt.Errorf("CreateMutex %s: %w", name, err)
	}

	runtime.LockOSThread()
	ev, err := windows.WaitForSingleObject(h, uint32(timeout.Milliseconds()))
	switch ev {
	case waitObject0, waitAbandoned:
	case waitTimeout:
		runtime.UnlockOSThread()
		windows.CloseHandle(h)
		return nil, fmt.Errorf("%s: %w", name, ErrLockTimeout)
	default:
		runtime.UnlockOSThread()
		windows.CloseHandle(h)
		return nil, fmt.Errorf("WaitForSingleObject %s: %w", name, err)
	}

	return func() error {
		defer runtime.UnlockOSThread()
		err := windows.ReleaseMutex(h)
		return errors.Join(err, windows.CloseHandle(h))
	}, nil
}

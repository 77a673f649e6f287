//go:build !linux && !windows

package shm

import (
	"context"
	"time"
)

func createShm(dir, name string, size int, init func([]byte) error) (*Region, error) {
	return nil, ErrUnsupported
}

func openShm(dir, name string, size int) (*Region, error) { return nil, ErrUnsupported }
func closeShm(r *Region) error                            { return nil }
func unlinkShm(dir, name string) error                    { return ErrUnsupported }
func unlinkLock(dir, name string) error                   { return ErrUnsupported }

func lockBootstrap(dir, name string, timeout, retry time.Duration) (func() error, error) {
	return nil, ErrUnsupported
}

// NamedSemaphore is unavailable on this platform; use NewLocalChannel.
type NamedSemaphore struct{}

func createSemaphore(dir, name string, initial uint32) (*NamedSemaphore, error) {
	return nil, ErrUnsupported
}

func openSemaphore(dir, name string) (*NamedSemaphore, error) { return nil, ErrUnsupported }
func unlinkSemaphore(dir, name string) error                  { return ErrUnsupported }

func (s *NamedSemaphore) SetPollInterval(time.Duration)     {}
func (s *NamedSemaphore) Acquire(ctx context.Context) error { return ErrUnsupported }
func (s *NamedSemaphore) TryAcquire() (bool, error)         { return false, ErrUnsupported }
func (s *NamedSemaphore) Release() error                    { return ErrUnsupported }
func (s *NamedSemaphore) Close() error                      { return nil }

//go:build linux

package shm

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// tmpSeq makes temporary object names unique within the process.
var tmpSeq atomic.Uint64

// createObject builds a new object of size bytes under a temporary name,
// runs init over its mapping and then links it to path. Peers opening path
// therefore never see a partially initialized object. The link fails with
// EEXIST if path is taken.
func createObject(path string, size int, init func([]byte) error) (int, []byte, error) {
	tmp := fmt.Sprintf("%s.%d.%d.tmp", path, os.Getpid(), tmpSeq.Add(1))
	fd, err := unix.Open(tmp, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return -1, nil, fmt.Errorf("open %s: %w", tmp, err)
	}
	// Once linked, path keeps the object alive.
	defer unix.Unlink(tmp)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("ftruncate %s: %w", tmp, err)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("mmap %s: %w", tmp, err)
	}

	if init != nil {
		if err := init(mem); err != nil {
			unix.Munmap(mem)
			unix.Close(fd)
			return -1, nil, err
		}
	}

	if err := unix.Link(tmp, path); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return -1, nil, fmt.Errorf("link %s: %w", path, err)
	}
	return fd, mem, nil
}

// openObject maps the first size bytes of the existing object at path.
func openObject(path string, size int) (int, []byte, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("open %s: %w", path, err)
	}

	// Check size to avoid SIGBUS on a short object.
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	if st.Size < int64(size) {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("%s is %d bytes, want %d: %w", path, st.Size, size, ErrNotReady)
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return fd, mem, nil
}

func unlinkObject(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}

// createShm implementation for Linux (file in dir, ftruncate + mmap).
func createShm(dir, name string, size int, init func([]byte) error) (*Region, error) {
	path := filepath.Join(dir, name)
	fd, mem, err := createObject(path, size, init)
	if err != nil {
		return nil, err
	}
	return &Region{Name: name, Mem: mem, handle: ShmHandle(fd), path: path}, nil
}

// openShm implementation for Linux.
func openShm(dir, name string, size int) (*Region, error) {
	path := filepath.Join(dir, name)
	fd, mem, err := openObject(path, size)
	if err != nil {
		return nil, err
	}
	return &Region{Name: name, Mem: mem, handle: ShmHandle(fd), path: path}, nil
}

// closeShm implementation for Linux. Closing twice is a no-op.
func closeShm(r *Region) error {
	if r.Mem == nil {
		return nil
	}
	var errs []error
	if err := unix.Munmap(r.Mem); err != nil {
		errs = append(errs, fmt.Errorf("munmap %s: %w", r.path, err))
	}
	r.Mem = nil
	if err := unix.Close(int(r.handle)); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", r.path, err))
	}
	return errors.Join(errs...)
}

// unlinkShm implementation for Linux. A missing region is not an error.
func unlinkShm(dir, name string) error {
	return unlinkObject(filepath.Join(dir, name))
}

// lockBootstrap implementation for Linux: flock(2) on a lock file. Locks
// belong to the open file description, so two channels in one process
// exclude each other the same way two processes do.
func lockBootstrap(dir, name string, timeout, retry time.Duration) (func() error, error) {
	path := filepath.Join(dir, name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			unix.Close(fd)
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			unix.Close(fd)
			return nil, fmt.Errorf("%s: %w", path, ErrLockTimeout)
		}
		time.Sleep(retry)
	}

	return func() error {
		unix.Flock(fd, unix.LOCK_UN)
		return unix.Close(fd)
	}, nil
}

// unlinkLock removes the bootstrap lock file.
func unlinkLock(dir, name string) error {
	return unlinkObject(filepath.Join(dir, name))
}

//go:build linux

package shm

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestFutexNoLostWake races a waiter holding a stale snapshot against
// increments. The waiter must never sleep through them; the timeout only
// bounds a failure.
func TestFutexNoLostWake(t *testing.T) {
	var counter uint32
	for iter := 0; iter < 100; iter++ {
		atomic.StoreUint32(&counter, 0)
		start := make(chan struct{})
		var wg sync.WaitGroup

		// Read before any incrementer can run: the waiter always waits on 0.
		snapshot := atomic.LoadUint32(&counter)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			time.Sleep(10 * time.Microsecond)
			if err := futexWait(&counter, snapshot, time.Second); errors.Is(err, ErrFutexTimeout) {
				t.Errorf("iteration %d: waiter slept through increments", iter)
			}
		}()
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				atomic.AddUint32(&counter, 1)
				futexWake(&counter, 1)
			}()
		}
		close(start)
		wg.Wait()
	}
}

func TestFutexTimeout(t *testing.T) {
	var word uint32
	begin := time.Now()
	if err := futexWait(&word, 0, 20*time.Millisecond); !errors.Is(err, ErrFutexTimeout) {
		t.Fatalf("futexWait: err = %v, want ErrFutexTimeout", err)
	}
	if time.Since(begin) < 15*time.Millisecond {
		t.Fatal("futexWait returned before its timeout")
	}
	if err := futexWait(&word, 1, time.Second); err != nil {
		t.Fatalf("futexWait on changed value: %v", err)
	}
}

func TestNamedSemaphoreLifecycle(t *testing.T) {
	dir := t.TempDir()

	a, err := CreateSemaphore(dir, "s", 1)
	if err != nil {
		t.Fatalf("CreateSemaphore: %v", err)
	}
	defer a.Close()
	if _, err := CreateSemaphore(dir, "s", 1); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second CreateSemaphore: err = %v, want ErrExist", err)
	}
	if _, err := OpenSemaphore(dir, "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("OpenSemaphore(missing): err = %v, want ErrNotExist", err)
	}

	b, err := OpenSemaphore(dir, "s")
	if err != nil {
		t.Fatalf("OpenSemaphore: %v", err)
	}
	defer b.Close()

	if ok, err := b.TryAcquire(); !ok || err != nil {
		t.Fatalf("TryAcquire through second handle = %v, %v", ok, err)
	}
	if a.Value() != 0 {
		t.Fatalf("Value through first handle = %d, want 0", a.Value())
	}

	// No temporary files are left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "sem.s" {
		t.Fatalf("dir entries = %v", entries)
	}

	if err := UnlinkSemaphore(dir, "s"); err != nil {
		t.Fatalf("UnlinkSemaphore: %v", err)
	}
	if err := UnlinkSemaphore(dir, "s"); err != nil {
		t.Fatalf("UnlinkSemaphore of missing: %v", err)
	}
	// Open handles keep working after unlink.
	if err := a.Release(); err != nil {
		t.Fatalf("Release after unlink: %v", err)
	}
	if b.Value() != 1 {
		t.Fatalf("Value after unlink = %d, want 1", b.Value())
	}
}

func TestNamedSemaphoreWakesAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	waiter, err := CreateSemaphore(dir, "w", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer waiter.Close()
	waiter.SetPollInterval(time.Hour)
	releaser, err := OpenSemaphore(dir, "w")
	if err != nil {
		t.Fatal(err)
	}
	defer releaser.Close()

	done := make(chan error, 1)
	go func() { done <- waiter.Acquire(context.Background()) }()
	expectBlocked(t, done, "Acquire on zero count")

	if err := releaser.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Release through another handle did not wake the waiter")
	}
}

func TestNamedSemaphoreCancelAndClose(t *testing.T) {
	s, err := CreateSemaphore(t.TempDir(), "c", 0)
	if err != nil {
		t.Fatal(err)
	}
	s.SetPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire with deadline: err = %v", err)
	}

	s.SetPollInterval(time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.Acquire(context.Background()) }()
	expectBlocked(t, done, "Acquire")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Acquire after Close: err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake the waiter")
	}
	if err := s.Release(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Release after Close: err = %v", err)
	}
	if s.Value() != 0 {
		t.Fatal("Value after Close should be 0")
	}
}

func TestOpenSemaphoreRejectsForeignFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sem.x"), make([]byte, semFileSize), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSemaphore(dir, "x"); !errors.Is(err, ErrBadSemaphore) {
		t.Fatalf("OpenSemaphore: err = %v, want ErrBadSemaphore", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sem.y"), []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenSemaphore(dir, "y"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("OpenSemaphore(short): err = %v, want ErrNotReady", err)
	}
}

func TestShmCreateOpen(t *testing.T) {
	dir := t.TempDir()
	r, err := CreateShm(dir, "region", 128, func(mem []byte) error {
		mem[0] = 0xAB
		return nil
	})
	if err != nil {
		t.Fatalf("CreateShm: %v", err)
	}
	defer r.Close()

	if _, err := CreateShm(dir, "region", 128, nil); !errors.Is(err, fs.ErrExist) {
		t.Fatalf("second CreateShm: err = %v, want ErrExist", err)
	}
	if _, err := OpenShm(dir, "region", 4096); !errors.Is(err, ErrNotReady) {
		t.Fatalf("OpenShm larger than region: err = %v, want ErrNotReady", err)
	}

	peer, err := OpenShm(dir, "region", 128)
	if err != nil {
		t.Fatalf("OpenShm: %v", err)
	}
	if peer.Mem[0] != 0xAB {
		t.Fatalf("peer sees %#x, want 0xab", peer.Mem[0])
	}
	peer.Mem[1] = 0xCD
	if r.Mem[1] != 0xCD {
		t.Fatal("write through peer mapping not visible")
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := peer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := UnlinkShm(dir, "region"); err != nil {
		t.Fatalf("UnlinkShm: %v", err)
	}
	if _, err := OpenShm(dir, "region", 128); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("OpenShm after unlink: err = %v, want ErrNotExist", err)
	}
}

func TestCreateShmInitFailure(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	if _, err := CreateShm(dir, "r", 64, func([]byte) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("CreateShm: err = %v, want boom", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("failed create left %v behind", entries)
	}
}

func TestBootstrapLockTimeout(t *testing.T) {
	dir := t.TempDir()
	unlock, err := lockBootstrap(dir, "l.lock", time.Second, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("lockBootstrap: %v", err)
	}

	if _, err := lockBootstrap(dir, "l.lock", 30*time.Millisecond, 5*time.Millisecond); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("contended lockBootstrap: err = %v, want ErrLockTimeout", err)
	}

	if err := unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	unlock2, err := lockBootstrap(dir, "l.lock", 30*time.Millisecond, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("lockBootstrap after unlock: %v", err)
	}
	unlock2()
}

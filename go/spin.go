package shm

import (
	"runtime"
	"sync/atomic"
)

// WaitStrategy implements an adaptive spin-then-sleep wait. Each NamedSemaphore
// owns one, so the spin budget tracks how quickly that semaphore's peer
// usually releases.
type WaitStrategy struct {
	CurrentLimit int32
	MinSpin      int32
	MaxSpin      int32
	IncStep      int32
	DecStep      int32
}

// NewWaitStrategy creates a new WaitStrategy with default values.
func NewWaitStrategy() *WaitStrategy {
	return &WaitStrategy{
		CurrentLimit: 2000,
		MinSpin:      100,
		MaxSpin:      20000,
		IncStep:      200,
		DecStep:      100,
	}
}

// Wait spins on condition up to the current limit, then runs sleepAction
// once and checks condition again.
//
// A success during the spin phase raises the limit, a miss lowers it.
// Returns true if the condition was met.
func (w *WaitStrategy) Wait(condition func() bool, sleepAction func()) bool {
	limit := int(atomic.LoadInt32(&w.CurrentLimit))

	for i := 0; i < limit; i++ {
		if condition() {
			if limit < int(w.MaxSpin) {
				atomic.StoreInt32(&w.CurrentLimit, int32(min(limit+int(w.IncStep), int(w.MaxSpin))))
			}
			return true
		}
		// Yield every 64 iterations to keep scheduler overhead low.
		if i&0x3F == 0 {
			runtime.Gosched()
		}
	}

	if limit > int(w.MinSpin) {
		atomic.StoreInt32(&w.CurrentLimit, int32(max(limit-int(w.DecStep), int(w.MinSpin))))
	}

	sleepAction()
	return condition()
}

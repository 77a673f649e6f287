// Package shm implements a bounded producer/consumer handoff over shared
// memory.
//
// A channel is a fixed-capacity ring of int32 slots in a named shared
// memory region, guarded by three named semaphores: EmptySlots (free
// slots), FilledSlots (items waiting) and a binary Mutex around the ring
// cursors. A producer process and a consumer process each Open the same
// channel name; whichever arrives first creates and initializes it.
//
//	ch, err := shm.Open(shm.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer ch.Close()
//
//	idx, err := ch.Put(ctx, 42)     // producer side
//	item, idx, err := ch.Take(ctx)  // consumer side
//
// Put and Take block while the ring is full or empty. They return
// ctx.Err() when ctx is done and ErrClosed once the channel is closed.
// Items are delivered in FIFO order with no loss or duplication for one
// producer and one consumer.
//
// Producer and Consumer wrap the two loops with pacing, an item limit and
// an event hook. NewLocalChannel builds the same structure in process
// memory for tests and single-process use.
//
// On Linux the region and semaphores are files under Config.Dir (default
// /dev/shm) and blocked waiters park on a shared futex. On Windows they are
// session-local kernel objects.
//
// Build with -tags shm_debug to route package logging through log/slog.
package shm

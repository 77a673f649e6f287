package shm

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"time"
)

// EventKind identifies a step of a producer or consumer loop.
type EventKind int

const (
	// EventProducing fires before the producer waits for a free slot.
	EventProducing EventKind = iota
	// EventPlaced fires after an item has been written and signalled.
	EventPlaced
	// EventConsumed fires after an item has been read and its slot freed.
	EventConsumed
)

func (k EventKind) String() string {
	switch k {
	case EventProducing:
		return "producing"
	case EventPlaced:
		return "placed"
	case EventConsumed:
		return "consumed"
	}
	return "unknown"
}

// Event describes one step of a worker loop. Index and InFlight are not
// set for EventProducing.
type Event struct {
	Kind     EventKind
	Item     int32
	Index    int
	InFlight int
}

// WorkerOptions configures a Producer or Consumer.
type WorkerOptions struct {
	// Pace is the delay after each item. Zero means no delay.
	Pace time.Duration
	// Count stops the loop after this many items. Zero means unlimited.
	Count int
	// LockOSThread pins the loop to one OS thread for its lifetime.
	LockOSThread bool
	// OnEvent, if set, is called synchronously for every Event.
	OnEvent func(Event)
}

// lifecycle runs one loop in a background goroutine with Start/Stop/Wait.
type lifecycle struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

var errAlreadyStarted = errors.New("shm: worker already started")

func (l *lifecycle) start(ctx context.Context, run func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errAlreadyStarted
	}
	l.started = true

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		err := run(ctx)
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
	}()
	return nil
}

// stop cancels the loop and waits for it to return.
func (l *lifecycle) stop() error {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return l.wait()
}

// wait blocks until the loop returns. It returns nil if the loop was never
// started.
func (l *lifecycle) wait() error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func emit(opts *WorkerOptions, ev Event) {
	if opts.OnEvent != nil {
		opts.OnEvent(ev)
	}
}

// pace sleeps for d or until ctx is done, and reports whether the loop
// should continue.
func pace(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// loopErr turns the error of a blocking call into the loop's result: a
// done context is a clean stop.
func loopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func lockThread(opts *WorkerOptions) func() {
	if !opts.LockOSThread {
		return func() {}
	}
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// itemFor maps the producer's sequence number (1, 2, 3, ...) to the item
// it puts. Items run 1..math.MaxInt32 and then start again at 1, so they
// stay positive however long a segment lives.
func itemFor(seq uint64) int32 {
	return int32((seq-1)%math.MaxInt32 + 1)
}

// Producer puts the counter 1, 2, 3, ... into a channel. See itemFor for
// what happens past math.MaxInt32.
type Producer struct {
	ch   *Channel
	opts WorkerOptions
	lifecycle
}

// NewProducer returns a producer for ch. It does not start until Run or
// Start is called.
func NewProducer(ch *Channel, opts WorkerOptions) *Producer {
	return &Producer{ch: ch, opts: opts}
}

// Run produces until opts.Count items are placed or ctx is done, in which
// case it returns nil. Counting resumes after the last item the channel
// has ever accepted, so a restarted producer does not repeat items.
func (p *Producer) Run(ctx context.Context) error {
	defer lockThread(&p.opts)()

	st, err := p.ch.Stats()
	if err != nil {
		return err
	}
	seq := st.Produced + 1

	for n := 0; p.opts.Count == 0 || n < p.opts.Count; n++ {
		item := itemFor(seq)
		emit(&p.opts, Event{Kind: EventProducing, Item: item})

		idx, err := p.ch.Put(ctx, item)
		if err != nil {
			return loopErr(ctx, err)
		}
		emit(&p.opts, Event{Kind: EventPlaced, Item: item, Index: idx, InFlight: p.ch.inFlight()})
		seq++

		if n+1 == p.opts.Count {
			break
		}
		if !pace(ctx, p.opts.Pace) {
			return nil
		}
	}
	return nil
}

// Start runs the producer in the background.
func (p *Producer) Start(ctx context.Context) error { return p.start(ctx, p.Run) }

// Stop cancels a started producer and waits for it.
func (p *Producer) Stop() error { return p.stop() }

// Wait blocks until a started producer returns and reports its error.
func (p *Producer) Wait() error { return p.wait() }

// Consumer takes items from a channel.
type Consumer struct {
	ch   *Channel
	opts WorkerOptions
	lifecycle
}

// NewConsumer returns a consumer for ch. It does not start until Run or
// Start is called.
func NewConsumer(ch *Channel, opts WorkerOptions) *Consumer {
	return &Consumer{ch: ch, opts: opts}
}

// Run consumes until opts.Count items are taken or ctx is done, in which
// case it returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	defer lockThread(&c.opts)()

	for n := 0; c.opts.Count == 0 || n < c.opts.Count; n++ {
		item, idx, err := c.ch.Take(ctx)
		if err != nil {
			return loopErr(ctx, err)
		}
		emit(&c.opts, Event{Kind: EventConsumed, Item: item, Index: idx, InFlight: c.ch.inFlight()})

		if n+1 == c.opts.Count {
			break
		}
		if !pace(ctx, c.opts.Pace) {
			return nil
		}
	}
	return nil
}

// Start runs the consumer in the background.
func (c *Consumer) Start(ctx context.Context) error { return c.start(ctx, c.Run) }

// Stop cancels a started consumer and waits for it.
func (c *Consumer) Stop() error { return c.stop() }

// Wait blocks until a started consumer returns and reports its error.
func (c *Consumer) Wait() error { return c.wait() }

package shm

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) items(kind EventKind) []int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int32
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev.Item)
		}
	}
	return out
}

func TestProducerConsumerCount(t *testing.T) {
	ch := NewLocalChannel(2)
	defer ch.Close()

	var log eventLog
	p := NewProducer(ch, WorkerOptions{Count: 10, OnEvent: log.add})
	c := NewConsumer(ch, WorkerOptions{Count: 10, OnEvent: log.add})

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatal("second Start succeeded")
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("consumer Run: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("producer Wait: %v", err)
	}

	for _, kind := range []EventKind{EventProducing, EventPlaced, EventConsumed} {
		got := log.items(kind)
		if len(got) != 10 {
			t.Fatalf("%v events = %d, want 10", kind, len(got))
		}
		for i, item := range got {
			if item != int32(i+1) {
				t.Fatalf("%v event %d carries item %d", kind, i, item)
			}
		}
	}
}

func TestProducerResumesCounter(t *testing.T) {
	ch := NewLocalChannel(4)
	defer ch.Close()
	ctx := context.Background()

	if err := NewProducer(ch, WorkerOptions{Count: 3}).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := NewConsumer(ch, WorkerOptions{Count: 3}).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if err := NewProducer(ch, WorkerOptions{Count: 1}).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if item, _, _ := ch.TryTake(); item != 4 {
		t.Fatalf("restarted producer placed %d, want 4", item)
	}
}

func TestItemSequenceStaysPositive(t *testing.T) {
	for seq, want := range map[uint64]int32{
		1:                   1,
		2:                   2,
		math.MaxInt32:       math.MaxInt32,
		math.MaxInt32 + 1:   1,
		2*math.MaxInt32 + 5: 5,
	} {
		got := itemFor(seq)
		if got != want || got < 1 {
			t.Errorf("itemFor(%d) = %d, want %d", seq, got, want)
		}
	}
	if got := itemFor(math.MaxUint64); got < 1 {
		t.Errorf("itemFor(MaxUint64) = %d", got)
	}

	// A long-lived segment that has already seen MaxInt32 items.
	ch := NewLocalChannel(2)
	defer ch.Close()
	atomic.StoreUint64(&ch.ring.header.Produced, math.MaxInt32-1)
	if err := NewProducer(ch, WorkerOptions{Count: 2}).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, want := range []int32{math.MaxInt32, 1} {
		if item, _, err := ch.TryTake(); err != nil || item != want {
			t.Fatalf("TryTake = %d, %v, want %d", item, err, want)
		}
	}
}

func TestStopInterruptsBlockedWorker(t *testing.T) {
	ch := NewLocalChannel(1)
	defer ch.Close()

	c := NewConsumer(ch, WorkerOptions{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt a consumer blocked on an empty ring")
	}
}

func TestPaceIsInterruptible(t *testing.T) {
	ch := NewLocalChannel(2)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := NewProducer(ch, WorkerOptions{Pace: time.Hour, LockOSThread: true})
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if st, _ := ch.Stats(); st.Produced != 1 {
		t.Fatalf("Produced = %d, want 1 before the pace delay", st.Produced)
	}
}

func TestWorkerReportsClosedChannel(t *testing.T) {
	ch := NewLocalChannel(1)
	c := NewConsumer(ch, WorkerOptions{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	ch.Close()

	if err := c.Wait(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Wait: err = %v, want ErrClosed", err)
	}
	if err := NewProducer(ch, WorkerOptions{}).Run(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("producer on closed channel: err = %v", err)
	}
}

func TestWaitWithoutStart(t *testing.T) {
	p := NewProducer(NewLocalChannel(1), WorkerOptions{})
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestEventKindString(t *testing.T) {
	for kind, want := range map[EventKind]string{
		EventProducing: "producing",
		EventPlaced:    "placed",
		EventConsumed:  "consumed",
		EventKind(42):  "unknown",
	} {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(kind), got, want)
		}
	}
}

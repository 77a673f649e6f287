package journal

import (
	"path/filepath"
	"slices"
	"testing"

	shm "github.com/xll-gen/handoff/go"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func record(t *testing.T, j *Journal, channel string, kind shm.EventKind, items ...int32) {
	t.Helper()
	for i, item := range items {
		if err := j.Record(channel, shm.Event{Kind: kind, Item: item, Index: i % 2}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
}

func TestVerifyCleanRun(t *testing.T) {
	j := openTemp(t)
	record(t, j, "a", shm.EventProducing, 1, 2, 3, 4)
	record(t, j, "a", shm.EventPlaced, 1, 2, 3, 4)
	record(t, j, "a", shm.EventConsumed, 1, 2, 3)

	r, err := j.Verify("a")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !r.OK {
		t.Fatalf("report not OK: %+v", r)
	}
	if r.Placed != 4 || r.Consumed != 3 || r.Pending != 1 {
		t.Errorf("counts = %d/%d/%d, want 4/3/1", r.Placed, r.Consumed, r.Pending)
	}
}

func TestVerifyDetectsFaults(t *testing.T) {
	tests := []struct {
		name       string
		placed     []int32
		consumed   []int32
		lost       []int32
		duplicates []int32
		phantoms   []int32
	}{
		{"lost", []int32{1, 2, 3}, []int32{1, 3}, []int32{2}, nil, nil},
		{"duplicate", []int32{1, 2}, []int32{1, 1, 2}, nil, []int32{1}, nil},
		{"phantom", []int32{1}, []int32{1, 9}, nil, nil, []int32{9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := openTemp(t)
			record(t, j, "ch", shm.EventPlaced, tt.placed...)
			record(t, j, "ch", shm.EventConsumed, tt.consumed...)

			r, err := j.Verify("ch")
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if r.OK {
				t.Fatalf("report OK, want a fault: %+v", r)
			}
			if !slices.Equal(r.Lost, tt.lost) {
				t.Errorf("Lost = %v, want %v", r.Lost, tt.lost)
			}
			if !slices.Equal(r.Duplicates, tt.duplicates) {
				t.Errorf("Duplicates = %v, want %v", r.Duplicates, tt.duplicates)
			}
			if !slices.Equal(r.Phantoms, tt.phantoms) {
				t.Errorf("Phantoms = %v, want %v", r.Phantoms, tt.phantoms)
			}
		})
	}
}

func TestChannelsAreIndependent(t *testing.T) {
	j := openTemp(t)
	record(t, j, "a", shm.EventPlaced, 1, 2)
	record(t, j, "b", shm.EventConsumed, 7)

	r, err := j.Verify("a")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !r.OK || r.Consumed != 0 {
		t.Fatalf("channel a report = %+v", r)
	}

	if err := j.Reset("b"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	r, err = j.Verify("b")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if r.Consumed != 0 || !r.OK {
		t.Fatalf("channel b after reset = %+v", r)
	}
}

func TestJournalsWithLocalChannel(t *testing.T) {
	j := openTemp(t)
	ch := shm.NewLocalChannel(2)
	defer ch.Close()

	hook := func(ev shm.Event) {
		if err := j.Record("local", ev); err != nil {
			t.Errorf("Record: %v", err)
		}
	}
	p := shm.NewProducer(ch, shm.WorkerOptions{Count: 50, OnEvent: hook})
	c := shm.NewConsumer(ch, shm.WorkerOptions{Count: 50, OnEvent: hook})

	ctx := t.Context()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start producer: %v", err)
	}
	if err := c.Run(ctx); err != nil {
		t.Fatalf("consumer Run: %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("producer: %v", err)
	}

	r, err := j.Verify("local")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !r.OK || r.Placed != 50 || r.Consumed != 50 {
		t.Fatalf("report = %+v", r)
	}
}

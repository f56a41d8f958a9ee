package actionq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dnpguard/actionq"
	"github.com/hazyhaar/dnpguard/dbopen"
)

func newQueue(t *testing.T) *actionq.Q {
	t.Helper()
	db := dbopen.OpenMemory(t)
	q := actionq.New(db, actionq.Options{DrainTick: time.Millisecond})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return q
}

func TestDrainProcessesOneItemPerTick(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	for _, artist := range []string{"Jane Doe", "John Roe", "Ada Coder"} {
		if _, err := q.Enqueue(ctx, actionq.Item{Kind: "not_interested", Artist: artist}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var ran []string
	handler := func(_ context.Context, it *actionq.Item) error {
		ran = append(ran, it.Artist)
		return nil
	}

	for i := 1; i <= 3; i++ {
		did, err := q.Drain(ctx, handler)
		if err != nil || !did {
			t.Fatalf("drain %d: did=%v err=%v", i, did, err)
		}
		if len(ran) != i {
			t.Fatalf("drain %d ran %d items, want exactly one per tick", i, len(ran))
		}
	}

	if did, _ := q.Drain(ctx, handler); did {
		t.Fatal("empty queue must report no work")
	}
}

func TestDrainOrderIsOldestFirst(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	base := time.Now()

	q.Enqueue(ctx, actionq.Item{Kind: "not_interested", Artist: "second", RequestedAt: base.Add(time.Second)})
	q.Enqueue(ctx, actionq.Item{Kind: "not_interested", Artist: "first", RequestedAt: base})

	var ran []string
	handler := func(_ context.Context, it *actionq.Item) error {
		ran = append(ran, it.Artist)
		return nil
	}
	q.Drain(ctx, handler)
	q.Drain(ctx, handler)

	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Fatalf("drain order = %v", ran)
	}
}

func TestFailedItemIsDroppedNotRetried(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, actionq.Item{Kind: "not_interested", Artist: "Jane Doe"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	attempts := 0
	handler := func(_ context.Context, _ *actionq.Item) error {
		attempts++
		return errors.New("menu gone")
	}

	if did, err := q.Drain(ctx, handler); err != nil || !did {
		t.Fatalf("drain: did=%v err=%v", did, err)
	}
	if did, _ := q.Drain(ctx, handler); did {
		t.Fatal("failed item must not be redelivered")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want exactly one", attempts)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("pending = %d, want 0", n)
	}
}

func TestPurgeClearsPending(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, actionq.Item{Kind: "not_interested", Artist: "Jane Doe"})
	q.Enqueue(ctx, actionq.Item{Kind: "not_interested", Artist: "John Roe"})

	if err := q.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("pending after purge = %d", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	q.Enqueue(ctx, actionq.Item{Kind: "not_interested", Artist: "Jane Doe"})

	done := make(chan struct{})
	ran := make(chan string, 1)
	go func() {
		q.Run(ctx, func(_ context.Context, it *actionq.Item) error {
			select {
			case ran <- it.Artist:
			default:
			}
			return nil
		})
		close(done)
	}()

	select {
	case got := <-ran:
		if got != "Jane Doe" {
			t.Fatalf("ran %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued item never ran")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

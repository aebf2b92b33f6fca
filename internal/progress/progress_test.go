package progress

import (
	"context"
	"testing"
	"time"
)

func newTestTracker() (*Tracker, *MemoryStore) {
	store := NewMemoryStore()
	return NewTracker(store, nil), store
}

func TestUpdateAndProgress(t *testing.T) {
	tr, store := newTestTracker()
	defer store.Close()
	ctx := context.Background()

	if _, found, err := tr.Progress(ctx, "feed-1"); err != nil || found {
		t.Fatalf("expected no snapshot, found=%v err=%v", found, err)
	}

	snap := Snapshot{FeedID: "feed-1", RunID: "run-x", Status: "running", Processed: 5, Total: 20}
	if err := tr.Update(ctx, snap); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, found, err := tr.Progress(ctx, "feed-1")
	if err != nil || !found {
		t.Fatalf("Progress: found=%v err=%v", found, err)
	}
	if got.Processed != 5 || got.Total != 20 || got.RunID != "run-x" {
		t.Fatalf("snapshot = %+v", got)
	}
	if got.Percentage != 25 {
		t.Fatalf("percentage = %v, want 25", got.Percentage)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt must be stamped")
	}
}

func TestUpdateDerivesPercentage(t *testing.T) {
	tr, store := newTestTracker()
	defer store.Close()
	ctx := context.Background()

	if err := tr.Update(ctx, Snapshot{FeedID: "feed-1", Processed: 1, Total: 3}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _, _ := tr.Progress(ctx, "feed-1")
	if got.Percentage != 33.3 {
		t.Fatalf("percentage = %v, want 33.3", got.Percentage)
	}

	if err := tr.Update(ctx, Snapshot{FeedID: "feed-2", Processed: 4, Total: 0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _, _ = tr.Progress(ctx, "feed-2")
	if got.Percentage != 0 {
		t.Fatalf("unknown total must yield 0, got %v", got.Percentage)
	}
}

func TestPauseSignal(t *testing.T) {
	tr, store := newTestTracker()
	defer store.Close()
	ctx := context.Background()

	if paused, err := tr.PauseRequested(ctx, "feed-1"); err != nil || paused {
		t.Fatalf("fresh feed: paused=%v err=%v", paused, err)
	}
	if err := tr.RequestPause(ctx, "feed-1"); err != nil {
		t.Fatalf("RequestPause: %v", err)
	}
	if paused, _ := tr.PauseRequested(ctx, "feed-1"); !paused {
		t.Fatal("pause signal not visible")
	}
	if paused, _ := tr.PauseRequested(ctx, "feed-2"); paused {
		t.Fatal("signal leaked to another feed")
	}
	if err := tr.ClearPause(ctx, "feed-1"); err != nil {
		t.Fatalf("ClearPause: %v", err)
	}
	if paused, _ := tr.PauseRequested(ctx, "feed-1"); paused {
		t.Fatal("pause signal survived clear")
	}
}

func TestCancelSignalModes(t *testing.T) {
	tr, store := newTestTracker()
	defer store.Close()
	ctx := context.Background()

	if _, found, err := tr.CancelRequested(ctx, "feed-1"); err != nil || found {
		t.Fatalf("fresh feed: found=%v err=%v", found, err)
	}

	if err := tr.RequestCancel(ctx, "feed-1", CancelJob); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	mode, found, err := tr.CancelRequested(ctx, "feed-1")
	if err != nil || !found {
		t.Fatalf("CancelRequested: found=%v err=%v", found, err)
	}
	if mode != CancelJob {
		t.Fatalf("mode = %q, want %q", mode, CancelJob)
	}

	// Unknown modes degrade to the conservative stop_now.
	if err := tr.RequestCancel(ctx, "feed-2", CancelMode("nuke")); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	mode, _, _ = tr.CancelRequested(ctx, "feed-2")
	if mode != CancelStopNow {
		t.Fatalf("mode = %q, want %q", mode, CancelStopNow)
	}
}

func TestClearRemovesEverything(t *testing.T) {
	tr, store := newTestTracker()
	defer store.Close()
	ctx := context.Background()

	_ = tr.Update(ctx, Snapshot{FeedID: "feed-1", Status: "running"})
	_ = tr.RequestPause(ctx, "feed-1")
	_ = tr.RequestCancel(ctx, "feed-1", CancelStopNow)

	if err := tr.Clear(ctx, "feed-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := tr.Progress(ctx, "feed-1"); found {
		t.Fatal("snapshot survived clear")
	}
	if paused, _ := tr.PauseRequested(ctx, "feed-1"); paused {
		t.Fatal("pause signal survived clear")
	}
	if _, found, _ := tr.CancelRequested(ctx, "feed-1"); found {
		t.Fatal("cancel signal survived clear")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var out string
	if found, _ := store.Get(ctx, "k", &out); !found || out != "v" {
		t.Fatalf("before expiry: found=%v out=%q", found, out)
	}
	time.Sleep(20 * time.Millisecond)
	if found, _ := store.Get(ctx, "k", &out); found {
		t.Fatal("value survived its ttl")
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	bus := NewBroadcaster()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1 := bus.Subscribe(ctx)
	ch2 := bus.Subscribe(ctx)

	bus.Publish(Snapshot{FeedID: "feed-1", Processed: 3})

	for i, ch := range []<-chan Snapshot{ch1, ch2} {
		select {
		case snap := <-ch:
			if snap.Processed != 3 {
				t.Fatalf("subscriber %d got %+v", i, snap)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d timed out", i)
		}
	}
}

func TestTrackerPublishesUpdates(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	bus := NewBroadcaster()
	tr := NewTracker(store, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := bus.Subscribe(ctx)

	if err := tr.Update(context.Background(), Snapshot{FeedID: "feed-1", Processed: 7}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	select {
	case snap := <-ch:
		if snap.FeedID != "feed-1" || snap.Processed != 7 {
			t.Fatalf("got %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot broadcast")
	}
}

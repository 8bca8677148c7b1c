package settlement

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconcilerTickRecoversOpenEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.notifier.failWith = errors.New("minting unavailable")

	if _, _, err := f.service.TopUp(ctx, f.appID, 500); err == nil {
		t.Fatal("expected top up to fail")
	}

	r := NewReconciler(f.service, nil)

	// While the minting service is still down the entry stays open and gets
	// a backoff slot instead of a hot loop.
	r.tick(ctx)
	open, err := f.store.ListOpenEntries(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected entry to stay open, got %d", len(open))
	}
	if r.shouldAttempt(open[0].ID, time.Now()) {
		t.Fatal("expected a backoff window after a failed resume")
	}

	// Once the collaborator is back, the next eligible tick finishes the
	// entry.
	f.notifier.failWith = nil
	r.clearSchedule(open[0].ID)
	r.tick(ctx)

	open, err = f.store.ListOpenEntries(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open entries, got %d", len(open))
	}
	if n := f.usageCount(t); n != 1 {
		t.Fatalf("expected one usage record, got %d", n)
	}
	if len(f.transfer.calls) != 1 {
		t.Fatalf("recovery must not transfer again, got %d", len(f.transfer.calls))
	}
}

func TestReconcilerLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	r := NewReconciler(f.service, nil)

	if r.Name() == "" {
		t.Fatal("expected a service name")
	}
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// A second start is a no-op, not a second goroutine.
	if err := r.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

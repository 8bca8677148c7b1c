package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/mu-platform/escrow_ledger/internal/app/metrics"
	"github.com/mu-platform/escrow_ledger/internal/app/system"
	"github.com/mu-platform/escrow_ledger/pkg/logger"
)

// Reconciler watches the settlement journal for open entries and re-drives
// the protocol until they complete. An entry is open when a crash or a failed
// external call left it transferred-but-not-notified or
// notified-but-not-recorded.
type Reconciler struct {
	service  *Service
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[string]time.Time
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler creates a reconciler over the service's journal.
func NewReconciler(service *Service, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("settlement-reconciler")
	}
	return &Reconciler{
		service:     service,
		interval:    15 * time.Second,
		log:         log,
		nextAttempt: make(map[string]time.Time),
	}
}

func (r *Reconciler) Name() string { return "settlement-reconciler" }

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("settlement reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	journal := r.service.Journal()
	if journal == nil {
		return
	}

	entries, err := journal.ListOpenEntries(ctx)
	if err != nil {
		r.log.WithError(err).Warn("list open settlement entries failed")
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if !r.shouldAttempt(entry.ID, now) {
			continue
		}

		fromStatus := entry.Status
		if err := r.service.Resume(ctx, entry); err != nil {
			r.log.WithError(err).Warnf("resume settlement entry %s failed", entry.ID)
			r.scheduleNext(entry.ID, 0)
			continue
		}

		metrics.CountReconciled(string(fromStatus))
		r.log.Infof("settlement entry %s recovered from %s", entry.ID, fromStatus)
		r.clearSchedule(entry.ID)
	}
}

func (r *Reconciler) shouldAttempt(id string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := r.nextAttempt[id]
	return !ok || now.After(next)
}

func (r *Reconciler) scheduleNext(id string, after time.Duration) {
	if after <= 0 {
		after = r.interval
	}
	r.mu.Lock()
	r.nextAttempt[id] = time.Now().Add(after)
	r.mu.Unlock()
}

func (r *Reconciler) clearSchedule(id string) {
	r.mu.Lock()
	delete(r.nextAttempt, id)
	r.mu.Unlock()
}

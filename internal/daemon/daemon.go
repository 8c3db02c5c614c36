// Package daemon is the concrete supervisor: it owns the dispatch table of
// running user workers, the bounded scheduler bridge, per-user error
// counters, and the observability sinks every worker shares.
//
// Grounded on the teacher's internal/imap.Pool (connection bookkeeping
// keyed by user id under a sync.RWMutex) and cmd/server/main.go (the
// composition-root wiring shape), generalized from "IMAP connection pool
// fronting HTTP handlers" to "worker supervisor fronting IMAP sync
// workers".
package daemon

import (
	"context"
	"sync"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pool"
	"github.com/vdavid/mailsync/internal/syncengine"
)

// Daemon supervises one UserWorker per user. It implements
// syncengine.Daemon so a Worker can report back to it without importing
// this package.
type Daemon struct {
	bridge  *pool.Pool
	metrics syncengine.Metrics
	repo    syncengine.Repository
	stress  bool

	mu      sync.RWMutex
	workers map[string]*syncengine.Worker
	cancels map[string]context.CancelFunc

	errMu    sync.Mutex
	errCount map[string]int
}

// New constructs a Daemon. bridge is the scheduler bridge every worker
// dispatches database-touching tasks through; repo is the user repository
// reached only via the bridge; metrics is the observability sink;
// stressTestMode suppresses the workers' error metrics and backoff gauge
// (logging is not affected).
func New(bridge *pool.Pool, repo syncengine.Repository, metrics syncengine.Metrics, stressTestMode bool) *Daemon {
	return &Daemon{
		bridge:   bridge,
		metrics:  metrics,
		repo:     repo,
		stress:   stressTestMode,
		workers:  make(map[string]*syncengine.Worker),
		cancels:  make(map[string]context.CancelFunc),
		errCount: make(map[string]int),
	}
}

// ErrorCount returns the current error count for userID.
func (d *Daemon) ErrorCount(userID string) int {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.errCount[userID]
}

// IncrementErrorCount bumps userID's error count by one.
func (d *Daemon) IncrementErrorCount(userID string) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	d.errCount[userID]++
}

// ResetErrorCount clears userID's error count, so the next worker spawned
// for userID starts without the accumulated backoff.
func (d *Daemon) ResetErrorCount(userID string) {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	delete(d.errCount, userID)
}

// StressTestMode reports whether metrics are suppressed. Logging is the
// same in both modes.
func (d *Daemon) StressTestMode() bool {
	return d.stress
}

// DisconnectUser removes userID's dispatch-table entry. Safe to call more
// than once; a worker's own teardown calls this, and SpawnWorker's
// completion handler calls it again defensively in case of a race.
func (d *Daemon) DisconnectUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, userID)
	delete(d.cancels, userID)
}

// SpawnWorker constructs a UserWorker for user, registers it in the
// dispatch table, and runs it in its own goroutine. authFunc and
// processUid are the provider authentication routine and the downstream
// message handler, both narrow capabilities supplied by the caller.
func (d *Daemon) SpawnWorker(ctx context.Context, user *models.User, authFunc imap.AuthenticateFunc, processUid syncengine.ProcessUidFunc) {
	workerCtx, cancel := context.WithCancel(ctx)
	worker := syncengine.NewWorker(d, d.repo, d.bridge, d.metrics, user, authFunc, processUid)

	d.mu.Lock()
	d.workers[user.ID] = worker
	d.cancels[user.ID] = cancel
	d.mu.Unlock()

	go func() {
		defer cancel()
		worker.Run(workerCtx)
		d.DisconnectUser(user.ID)
	}()
}

// StopWorker requests the running worker for userID to stop, if any.
// Teardown happens asynchronously on the worker's own goroutine.
func (d *Daemon) StopWorker(userID string) {
	d.mu.RLock()
	worker, ok := d.workers[userID]
	cancel := d.cancels[userID]
	d.mu.RUnlock()

	if ok {
		worker.Stop()
	}
	if cancel != nil {
		cancel()
	}
}

// StopAll requests every running worker to stop, for graceful shutdown.
func (d *Daemon) StopAll() {
	d.mu.RLock()
	userIDs := make([]string, 0, len(d.workers))
	for userID := range d.workers {
		userIDs = append(userIDs, userID)
	}
	d.mu.RUnlock()

	for _, userID := range userIDs {
		d.StopWorker(userID)
	}
}

// ActiveWorkerCount returns the number of users with a running worker.
func (d *Daemon) ActiveWorkerCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.workers)
}

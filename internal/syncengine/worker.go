// Package syncengine implements the per-user IMAP synchronization worker:
// the UID Sync Engine and the User Worker State Machine that drives it
// through delay, connect, authenticate, select-folder, validate-UIDVALIDITY,
// and the resync/IDLE main loop, with crash-only teardown on every exit path.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/emersion/go-imap/client"
	mailimap "github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pool"
)

// folderPreference is the ordered list of folders chooseFolder tries, the
// first present on the server wins.
var folderPreference = []string{"[Gmail]/All Mail", "[Google Mail]/All Mail", "INBOX"}

// uidBatchSize bounds a single by-UID search: UID SEARCH UID lo:(lo+99).
const uidBatchSize = 100

// byDateLookback is the slack applied to the by-date strategy's SINCE
// search. Two days of slack is required because IMAP's date search is
// day-granular and the downstream dedupes by UID.
const byDateLookback = 2 * 24 * time.Hour

// sinceDateFormat is IMAP's day-granular SINCE date format (RFC 3501),
// equivalent to %d-%b-%Y.
const sinceDateFormat = "02-Jan-2006"

// stallThreshold is how long a mailbox can go quiet before the jumpstart
// nulls the cursor and forces the by-date strategy.
const stallThreshold = 24 * time.Hour

// idleErrorBackoff mirrors the teacher's idleListenerSleep constant. The
// worker does not use it: an IDLE failure ends the run through
// handleTopLevelError and IDLE is never retried in place.
const idleErrorBackoff = 10 * time.Second

// ProcessUidFunc handles one newly discovered message. The core treats it
// as opaque: parsing, storage, and notification are the caller's concern.
type ProcessUidFunc func(ctx context.Context, w *Worker, uid uint32) error

// Daemon is the narrow interface the worker needs from its supervisor.
type Daemon interface {
	ErrorCount(userID string) int
	IncrementErrorCount(userID string)
	DisconnectUser(userID string)
	StressTestMode() bool
}

// Metrics is the narrow observability capability: one counter per
// top-level error class, one gauge for nonzero backoff delays.
type Metrics interface {
	IncrementError(class string)
	SetDelayedStart(seconds float64)
}

// Repository is the narrow persistence capability the worker reaches only
// through the scheduler bridge — it never touches the database directly.
type Repository interface {
	LoadUser(ctx context.Context, userID string) (*models.User, error)
	UpdateLastLoginAt(ctx context.Context, userID string, at time.Time) error
	UpdateUIDValidity(ctx context.Context, userID, newValidity string) error
	UpdateLastUID(ctx context.Context, userID string, uid int64) error
	ClearLastUID(ctx context.Context, userID string) error
}

// UIDValidityContentionError signals the cluster race verifyUidValidity
// guards against: another machine has already rotated this user's cursor.
// It is stopped on silently — no error counter increment, this is an
// expected concurrency outcome, not a fault.
type UIDValidityContentionError struct {
	UserID string
}

func (e *UIDValidityContentionError) Error() string {
	return fmt.Sprintf("uid_validity contention for user %s", e.UserID)
}

// Worker is the per-user session: it owns one IMAP client for its entire
// run, a refreshable handle to the User record, and an in-memory
// uid_validity token captured at folder-select time.
type Worker struct {
	daemon     Daemon
	repo       Repository
	bridge     *pool.Pool
	metrics    Metrics
	processUid ProcessUidFunc
	authFunc   mailimap.AuthenticateFunc

	userID string
	user   *models.User // replaced wholesale on reload, never mutated in place

	client      *mailimap.Client
	folder      string
	uidValidity string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWorker constructs a Worker. user is the initial snapshot; it is
// replaced wholesale on every reload through the bridge.
func NewWorker(daemon Daemon, repo Repository, bridge *pool.Pool, metrics Metrics, user *models.User, authFunc mailimap.AuthenticateFunc, processUid ProcessUidFunc) *Worker {
	return &Worker{
		daemon:     daemon,
		repo:       repo,
		bridge:     bridge,
		metrics:    metrics,
		processUid: processUid,
		authFunc:   authFunc,
		userID:     user.ID,
		user:       user,
		stop:       make(chan struct{}),
	}
}

// UserID returns the id of the user this worker is syncing, for
// downstream ProcessUid implementations that need to tag emitted events.
func (w *Worker) UserID() string {
	return w.userID
}

// Folder returns the mailbox currently selected, for downstream ProcessUid
// implementations that need to tag emitted events.
func (w *Worker) Folder() string {
	return w.folder
}

// Stop requests the worker to halt at its next cancellation boundary. It
// is idempotent: calling it twice has the same effect as calling it once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

// running reports whether the worker has not been asked to stop.
func (w *Worker) running() bool {
	select {
	case <-w.stop:
		return false
	default:
		return true
	}
}

// Run executes a single attempt: delay, connect, authenticate, select
// folder, validate UIDVALIDITY, then the resync/IDLE main loop. Teardown
// runs unconditionally on every exit path, exactly once.
func (w *Worker) Run(ctx context.Context) {
	defer w.teardown()

	if err := w.delayStart(ctx); err != nil {
		return
	}
	if !w.running() {
		return
	}

	if err := w.connect(); err != nil {
		w.handleTopLevelError(err)
		return
	}

	if !w.running() {
		return
	}
	if err := w.authenticate(ctx); err != nil {
		var authErr *mailimap.AuthError
		if errors.As(err, &authErr) {
			w.handleAuthError(err)
		} else {
			w.handleTopLevelError(err)
		}
		return
	}

	if !w.running() {
		return
	}
	if err := w.chooseFolder(); err != nil {
		w.handleTopLevelError(err)
		return
	}

	if !w.running() {
		return
	}
	if err := w.updateUidValidity(ctx); err != nil {
		w.handleTopLevelError(err)
		return
	}

	w.mainLoop(ctx)
}

// delayStart applies the backoff policy, sleeping interruptibly before the
// very first connect attempt.
func (w *Worker) delayStart(ctx context.Context) error {
	delay := Backoff(w.daemon.ErrorCount(w.userID))
	if delay <= 0 {
		return nil
	}

	if !w.daemon.StressTestMode() {
		w.metrics.SetDelayedStart(delay.Seconds())
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-w.stop:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errStopped = errors.New("syncengine: stopped")

func (w *Worker) connect() error {
	c, err := mailimap.Connect(w.user.Provider.Host, w.user.Provider.Port, w.user.Provider.TLS)
	if err != nil {
		return err
	}
	w.client = c
	return nil
}

// authenticate runs the provider authentication routine; on success it
// persists last_login_at through the bridge. AuthError is handled
// separately by the caller (INFO log only, no state mutation).
func (w *Worker) authenticate(ctx context.Context) error {
	if err := w.client.Authenticate(w.authFunc); err != nil {
		return err
	}

	_, err := w.bridge.Schedule(ctx, w.userID, func() (any, error) {
		return nil, w.repo.UpdateLastLoginAt(ctx, w.userID, time.Now())
	})
	return err
}

// chooseFolder lists all folders and EXAMINEs the first name in
// folderPreference that is present. No match is a protocol error — the
// source silently proceeded with an unset folder name, which this worker
// deliberately does not replicate.
func (w *Worker) chooseFolder() error {
	names, err := w.client.List("", "*")
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
	}

	for _, candidate := range folderPreference {
		if present[candidate] {
			w.folder = candidate
			return w.client.Examine(candidate)
		}
	}

	return &mailimap.ProtocolError{Op: "choose_folder", Err: errors.New("no folder in preference list was found")}
}

// updateUidValidity reads the freshly selected folder's UIDVALIDITY and,
// if it differs from the persisted token, invalidates the cursor: both
// last_uid_validity and last_uid change atomically through the bridge.
func (w *Worker) updateUidValidity(ctx context.Context) error {
	validity, err := w.client.UIDValidity()
	if err != nil {
		return err
	}
	w.uidValidity = validity

	if w.user.LastUIDValidity != nil && *w.user.LastUIDValidity == validity {
		return nil
	}

	_, err = w.bridge.Schedule(ctx, w.userID, func() (any, error) {
		return nil, w.repo.UpdateUIDValidity(ctx, w.userID, validity)
	})
	if err != nil {
		return err
	}

	w.user.LastUIDValidity = &validity
	w.user.LastUID = nil
	return nil
}

// mainLoop is the outer resync/IDLE loop: verify the cluster hasn't raced
// us, jumpstart a stalled account, drain batches until caught up, then
// idle for new mail.
func (w *Worker) mainLoop(ctx context.Context) {
	for w.running() {
		if err := w.verifyUidValidity(ctx); err != nil {
			var contention *UIDValidityContentionError
			if errors.As(err, &contention) {
				return
			}
			w.handleTopLevelError(err)
			return
		}
		if !w.running() {
			return
		}

		if err := w.jumpstartStalledAccount(ctx); err != nil {
			w.handleTopLevelError(err)
			return
		}

		for w.running() {
			count, err := w.syncBatch(ctx)
			if err != nil {
				w.handleTopLevelError(err)
				return
			}
			if count == 0 {
				break
			}
		}
		if !w.running() {
			return
		}

		if err := w.waitForEmail(ctx); err != nil {
			w.handleTopLevelError(err)
			return
		}
	}
}

// verifyUidValidity reloads the user record through the bridge and
// compares the persisted last_uid_validity against the in-memory token
// captured at select time. A mismatch means another worker in the cluster
// has already rotated the cursor out from under this one.
func (w *Worker) verifyUidValidity(ctx context.Context) error {
	val, err := w.bridge.Schedule(ctx, w.userID, func() (any, error) {
		return w.repo.LoadUser(ctx, w.userID)
	})
	if err != nil {
		return err
	}
	reloaded := val.(*models.User)
	w.user = reloaded

	if reloaded.LastUIDValidity == nil || *reloaded.LastUIDValidity != w.uidValidity {
		return &UIDValidityContentionError{UserID: w.userID}
	}
	return nil
}

// jumpstartStalledAccount nulls the cursor through the bridge when the
// mailbox has gone quiet for longer than stallThreshold, forcing the
// by-date strategy on the next batch.
func (w *Worker) jumpstartStalledAccount(ctx context.Context) error {
	if w.user.LastEmailAt == nil || time.Since(*w.user.LastEmailAt) <= stallThreshold {
		return nil
	}

	_, err := w.bridge.Schedule(ctx, w.userID, func() (any, error) {
		return nil, w.repo.ClearLastUID(ctx, w.userID)
	})
	if err != nil {
		return err
	}
	w.user.LastUID = nil
	return nil
}

// syncBatch runs one iteration of whichever strategy applies and returns
// the number of UIDs processed. Zero means "caught up".
func (w *Worker) syncBatch(ctx context.Context) (int, error) {
	if w.user.HasCursor() {
		return w.syncByUID(ctx)
	}
	return w.syncByDate(ctx)
}

// syncByUID issues UID SEARCH UID (last_uid+1):(last_uid+100).
func (w *Worker) syncByUID(ctx context.Context) (int, error) {
	lo := uint32(*w.user.LastUID) + 1
	hi := lo + uidBatchSize - 1

	uids, err := w.client.UIDSearchRange(lo, hi)
	if err != nil {
		return 0, err
	}

	return w.processBatch(ctx, uids)
}

// syncByDate issues UID SEARCH SINCE two days ago.
func (w *Worker) syncByDate(ctx context.Context) (int, error) {
	since := time.Now().Add(-byDateLookback)

	uids, err := w.client.UIDSearchSince(since)
	if err != nil {
		return 0, err
	}

	return w.processBatch(ctx, uids)
}

// processBatch invokes ProcessUid for each uid in order, persisting the
// cursor after each one, and stops early if the worker was asked to stop.
func (w *Worker) processBatch(ctx context.Context, uids []uint32) (int, error) {
	processed := 0
	for _, uid := range uids {
		if !w.running() {
			return processed, nil
		}

		if err := w.processUid(ctx, w, uid); err != nil {
			return processed, err
		}

		_, err := w.bridge.Schedule(ctx, w.userID, func() (any, error) {
			return nil, w.repo.UpdateLastUID(ctx, w.userID, int64(uid))
		})
		if err != nil {
			return processed, err
		}
		now := time.Now()
		lastUID := int64(uid)
		w.user.LastUID = &lastUID
		w.user.LastEmailAt = &now

		processed++
	}
	return processed, nil
}

// waitForEmail enters IDLE and returns when an EXISTS or BYE response
// arrives, the stop signal fires, or the connection drops. The source only
// exits IDLE on EXISTS; this worker additionally exits on BYE to avoid
// deadlocking against a server-initiated close.
func (w *Worker) waitForEmail(ctx context.Context) error {
	handler := func(update client.Update) bool {
		return mailimap.IsEXISTS(update) || mailimap.IsBYE(update)
	}

	return w.client.Idle(handler, w.stop)
}

// handleAuthError implements the AuthError disposition: INFO log only, no
// state mutation, increment the counter, stop.
func (w *Worker) handleAuthError(err error) {
	log.Printf("INFO: authentication failed for user %s: %v", w.user.Email, err)
	w.daemon.IncrementErrorCount(w.userID)
}

// handleTopLevelError implements the catch-all disposition for every
// error class except AuthError and UIDValidityContentionError: full log,
// metric keyed by error class (suppressed in stress-test mode), increment
// the counter, stop.
func (w *Worker) handleTopLevelError(err error) {
	class := errorClass(err)
	log.Printf("ERROR: user %s: %v\n%s", w.user.Email, err, debug.Stack())
	if !w.daemon.StressTestMode() {
		w.metrics.IncrementError(class)
	}
	w.daemon.IncrementErrorCount(w.userID)
}

// errorClass names the metric suffix for a classified error.
func errorClass(err error) string {
	var protoErr *mailimap.ProtocolError
	var ioErr *mailimap.IOError
	var authErr *mailimap.AuthError
	var timeoutErr *mailimap.TimeoutError
	var bridgeErr *pool.BridgeFailure

	switch {
	case errors.As(err, &protoErr):
		return "ProtocolError"
	case errors.As(err, &ioErr):
		return "IOError"
	case errors.As(err, &authErr):
		return "AuthError"
	case errors.As(err, &timeoutErr):
		return "Timeout"
	case errors.As(err, &bridgeErr):
		return "BridgeFailure"
	default:
		return "UnknownError"
	}
}

// teardown runs unconditionally on every exit path: idempotent stop,
// daemon notification, swallowed logout/disconnect, reference release.
func (w *Worker) teardown() {
	w.Stop()
	w.daemon.DisconnectUser(w.userID)

	if w.client != nil {
		w.client.Logout()
		w.client.Disconnect()
	}

	log.Printf("Disconnected %s.", w.user.Email)

	w.client = nil
	w.user = nil
}

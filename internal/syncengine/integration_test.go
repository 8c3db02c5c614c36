package syncengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pool"
	"github.com/vdavid/mailsync/internal/syncengine"
	"github.com/vdavid/mailsync/internal/testutil"
)

// memRepo is an in-memory stand-in for the database repository, good
// enough to exercise verifyUidValidity's reload-and-compare semantics and
// the cursor writes every sync batch makes.
type memRepo struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemRepo(user *models.User) *memRepo {
	cp := *user
	return &memRepo{users: map[string]*models.User{user.ID: &cp}}
}

func (r *memRepo) LoadUser(ctx context.Context, userID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := *r.users[userID]
	return &u, nil
}

func (r *memRepo) UpdateLastLoginAt(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID].LastLoginAt = at
	return nil
}

func (r *memRepo) UpdateUIDValidity(ctx context.Context, userID, newValidity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID].LastUIDValidity = &newValidity
	r.users[userID].LastUID = nil
	return nil
}

func (r *memRepo) UpdateLastUID(ctx context.Context, userID string, uid int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID].LastUID = &uid
	now := time.Now()
	r.users[userID].LastEmailAt = &now
	return nil
}

func (r *memRepo) ClearLastUID(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID].LastUID = nil
	return nil
}

// testDaemon is a minimal syncengine.Daemon that records teardown and
// error-counter activity for assertions.
type testDaemon struct {
	mu           sync.Mutex
	errCount     map[string]int
	disconnected chan struct{}
	stress       bool
}

func newTestDaemon() *testDaemon {
	return &testDaemon{errCount: make(map[string]int), disconnected: make(chan struct{}, 1)}
}

func (d *testDaemon) ErrorCount(userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errCount[userID]
}

func (d *testDaemon) IncrementErrorCount(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errCount[userID]++
}

func (d *testDaemon) DisconnectUser(userID string) {
	select {
	case d.disconnected <- struct{}{}:
	default:
	}
}

func (d *testDaemon) StressTestMode() bool { return d.stress }

type noopMetrics struct{}

func (noopMetrics) IncrementError(string)    {}
func (noopMetrics) SetDelayedStart(float64) {}

// collectingProcessUid records every uid it sees on a buffered channel so
// tests can wait for a specific count without sleeping arbitrarily.
func collectingProcessUid(seen chan<- uint32) syncengine.ProcessUidFunc {
	return func(ctx context.Context, w *syncengine.Worker, uid uint32) error {
		seen <- uid
		return nil
	}
}

func noopAuth(username, password string) func(c *client.Client) error {
	return func(c *client.Client) error {
		return c.Login(username, password)
	}
}

func waitForCount(t *testing.T, seen <-chan uint32, n int, timeout time.Duration) []uint32 {
	t.Helper()
	var got []uint32
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case uid := <-seen:
			got = append(got, uid)
		case <-deadline:
			t.Fatalf("timed out waiting for %d uids, got %d: %v", n, len(got), got)
		}
	}
	return got
}

// TestWorker_NewUserJumpstartSyncsExistingMessages covers a brand-new user
// with no cursor: the worker must fall back to the by-date strategy and
// process every message already sitting in the mailbox.
func TestWorker_NewUserJumpstartSyncsExistingMessages(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	srv.AddMessage(t, "INBOX", "<1@test>", "hello", "a@example.com", "b@example.com", time.Now())
	srv.AddMessage(t, "INBOX", "<2@test>", "hello again", "a@example.com", "b@example.com", time.Now())

	host, port := srv.HostPort(t)
	user := &models.User{
		ID:    "user-1",
		Email: "b@example.com",
		Provider: models.Provider{
			Host: host,
			Port: port,
			TLS:  false,
		},
	}

	repo := newMemRepo(user)
	daemon := newTestDaemon()
	bridge := pool.New(2)
	defer bridge.Close()

	seen := make(chan uint32, 16)
	worker := syncengine.NewWorker(daemon, repo, bridge, noopMetrics{}, user, noopAuth(srv.Username(), srv.Password()), collectingProcessUid(seen))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	waitForCount(t, seen, 2, 5*time.Second)

	worker.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not tear down after Stop")
	}

	if daemon.ErrorCount("user-1") != 0 {
		t.Errorf("expected no errors for a clean jumpstart sync, got %d", daemon.ErrorCount("user-1"))
	}
}

// TestWorker_AuthFailureStopsWithoutCrashing covers a rejected login: the
// worker must tear down via the AuthError path, incrementing the daemon's
// error counter exactly once.
func TestWorker_AuthFailureStopsWithoutCrashing(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	host, port := srv.HostPort(t)
	user := &models.User{
		ID:    "user-2",
		Email: "wrong@example.com",
		Provider: models.Provider{
			Host: host,
			Port: port,
			TLS:  false,
		},
	}

	repo := newMemRepo(user)
	daemon := newTestDaemon()
	bridge := pool.New(2)
	defer bridge.Close()

	worker := syncengine.NewWorker(daemon, repo, bridge, noopMetrics{}, user, noopAuth("nobody", "wrong-password"), collectingProcessUid(make(chan uint32, 1)))

	done := make(chan struct{})
	go func() {
		worker.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not tear down after an authentication failure")
	}

	if daemon.ErrorCount("user-2") != 1 {
		t.Errorf("expected exactly one error count after a rejected login, got %d", daemon.ErrorCount("user-2"))
	}
}

package daemon

import (
	"context"
	"testing"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/pool"
	"github.com/vdavid/mailsync/internal/syncengine"
)

type fakeRepo struct{}

func (fakeRepo) LoadUser(ctx context.Context, userID string) (*models.User, error) {
	return &models.User{ID: userID}, nil
}
func (fakeRepo) UpdateLastLoginAt(ctx context.Context, userID string, at time.Time) error { return nil }
func (fakeRepo) UpdateUIDValidity(ctx context.Context, userID, newValidity string) error  { return nil }
func (fakeRepo) UpdateLastUID(ctx context.Context, userID string, uid int64) error        { return nil }
func (fakeRepo) ClearLastUID(ctx context.Context, userID string) error                    { return nil }

type fakeMetrics struct{}

func (fakeMetrics) IncrementError(class string)     {}
func (fakeMetrics) SetDelayedStart(seconds float64) {}

func noopAuth(c *imapclient.Client) error { return nil }

func noopProcessUid(ctx context.Context, w *syncengine.Worker, uid uint32) error { return nil }

func TestDaemon_SpawnWorkerTearsDownOnConnectFailure(t *testing.T) {
	p := pool.New(2)
	defer p.Close()

	d := New(p, fakeRepo{}, fakeMetrics{}, true)

	user := &models.User{
		ID:    "user-1",
		Email: "user1@example.com",
		Provider: models.Provider{
			// Port 0 on loopback fails to dial immediately.
			Host: "127.0.0.1",
			Port: 0,
			TLS:  false,
		},
	}

	d.SpawnWorker(context.Background(), user, noopAuth, noopProcessUid)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.ActiveWorkerCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if d.ActiveWorkerCount() != 0 {
		t.Fatalf("expected worker to have torn down and been removed from dispatch table")
	}
	if d.ErrorCount("user-1") == 0 {
		t.Errorf("expected error count to be incremented after a connect failure")
	}
}

func TestDaemon_DisconnectUserIsIdempotent(t *testing.T) {
	p := pool.New(1)
	defer p.Close()
	d := New(p, fakeRepo{}, fakeMetrics{}, true)

	d.DisconnectUser("nobody")
	d.DisconnectUser("nobody")
}

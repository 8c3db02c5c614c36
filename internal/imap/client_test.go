package imap_test

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/client"
	mailimap "github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/testutil"
)

func connectAndLogin(t *testing.T, srv *testutil.TestIMAPServer) *mailimap.Client {
	t.Helper()

	host, port := srv.HostPort(t)
	c, err := mailimap.Connect(host, port, false)
	if err != nil {
		t.Fatalf("Connect() returned error: %v", err)
	}

	err = c.Authenticate(func(raw *client.Client) error {
		return raw.Login(srv.Username(), srv.Password())
	})
	if err != nil {
		t.Fatalf("Authenticate() returned error: %v", err)
	}

	return c
}

func TestClient_ListAndExamine(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	c := connectAndLogin(t, srv)
	defer c.Logout()

	names, err := c.List("", "*")
	if err != nil {
		t.Fatalf("List() returned error: %v", err)
	}

	found := false
	for _, name := range names {
		if name == "INBOX" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected INBOX in folder list, got %v", names)
	}

	if err := c.Examine("INBOX"); err != nil {
		t.Fatalf("Examine() returned error: %v", err)
	}
}

func TestClient_UIDValidity(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	c := connectAndLogin(t, srv)
	defer c.Logout()

	if err := c.Examine("INBOX"); err != nil {
		t.Fatalf("Examine() returned error: %v", err)
	}

	validity, err := c.UIDValidity()
	if err != nil {
		t.Fatalf("UIDValidity() returned error: %v", err)
	}
	if validity == "" {
		t.Error("expected a non-empty UIDVALIDITY token")
	}
}

func TestClient_UIDSearchRangeAndSince(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()
	srv.EnsureINBOX(t)

	uid1 := srv.AddMessage(t, "INBOX", "<msg1@test>", "Subject one", "a@example.com", "b@example.com", time.Now())
	uid2 := srv.AddMessage(t, "INBOX", "<msg2@test>", "Subject two", "a@example.com", "b@example.com", time.Now())

	c := connectAndLogin(t, srv)
	defer c.Logout()

	if err := c.Examine("INBOX"); err != nil {
		t.Fatalf("Examine() returned error: %v", err)
	}

	uids, err := c.UIDSearchRange(1, uid2+100)
	if err != nil {
		t.Fatalf("UIDSearchRange() returned error: %v", err)
	}
	if len(uids) != 2 || uids[0] != uid1 || uids[1] != uid2 {
		t.Errorf("expected [%d %d], got %v", uid1, uid2, uids)
	}

	since, err := c.UIDSearchSince(time.Now().Add(-48 * time.Hour))
	if err != nil {
		t.Fatalf("UIDSearchSince() returned error: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("expected 2 UIDs in since-search, got %d", len(since))
	}
}

func TestClient_LogoutAndDisconnectAreNoOpsOnDeadClient(t *testing.T) {
	var c *mailimap.Client
	c.Logout()     // must not panic
	c.Disconnect() // must not panic

	srv := testutil.NewTestIMAPServer(t)
	defer srv.Close()

	live := connectAndLogin(t, srv)
	live.Logout()
	live.Logout()     // idempotent
	live.Disconnect() // safe after logout
}

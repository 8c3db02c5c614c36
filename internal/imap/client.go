package imap

import (
	"fmt"
	"net"
	"time"

	imapc "github.com/emersion/go-imap"
	idle "github.com/emersion/go-imap-idle"
	"github.com/emersion/go-imap/client"
)

// dialTimeout bounds the initial TCP/TLS handshake.
const dialTimeout = 5 * time.Second

// AuthenticateFunc performs provider-specific authentication against an
// already-connected client (plain LOGIN, Gmail OAuth2 SASL, ...). Errors it
// returns are classified as AuthError by Client.Authenticate, except
// timeouts and transport failures, which stay TimeoutError and IOError.
type AuthenticateFunc func(c *client.Client) error

// Client is a narrow façade over github.com/emersion/go-imap/client exposing
// exactly the operations the sync worker needs. It owns a single connection
// for its entire lifetime and is not safe for concurrent use — each user
// worker owns exactly one Client.
type Client struct {
	raw *client.Client
}

// Connect dials host:port, optionally over TLS, with a 5-second timeout.
func Connect(host string, port int, useTLS bool) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := &net.Dialer{Timeout: dialTimeout}

	var raw *client.Client
	var err error
	if useTLS {
		raw, err = client.DialWithDialerTLS(dialer, addr, nil)
	} else {
		raw, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, classify("connect", err, false)
	}

	return &Client{raw: raw}, nil
}

// Authenticate runs the provider-supplied authentication routine. An error
// it returns is classified as AuthError unless it is a timeout or a
// transport failure (TimeoutError / IOError) — credential rejection and a
// BYE mid-auth are indistinguishable to the caller and both stop the
// worker the same way.
func (c *Client) Authenticate(auth AuthenticateFunc) error {
	if err := auth(c.raw); err != nil {
		return classify("authenticate", err, true)
	}
	return nil
}

// List returns the names of every folder matching ref/pattern (typically ""/"*").
func (c *Client) List(ref, pattern string) ([]string, error) {
	mailboxes := make(chan *imapc.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.raw.List(ref, pattern, mailboxes)
	}()

	var names []string
	for mbox := range mailboxes {
		names = append(names, mbox.Name)
	}
	if err := <-done; err != nil {
		return nil, classify("list", err, false)
	}
	return names, nil
}

// Examine performs a read-only SELECT of the named folder.
func (c *Client) Examine(folder string) error {
	if _, err := c.raw.Select(folder, true); err != nil {
		return classify("examine", err, false)
	}
	return nil
}

// UIDValidity returns the currently selected folder's UIDVALIDITY as a
// string, matching the wire representation used for cursor comparisons.
func (c *Client) UIDValidity() (string, error) {
	status, err := c.raw.Status(c.raw.Mailbox().Name, []imapc.StatusItem{imapc.StatusUidValidity})
	if err != nil {
		return "", classify("status", err, false)
	}
	return fmt.Sprintf("%d", status.UidValidity), nil
}

// UIDSearchRange returns UIDs in [lo, hi], ascending, as issued by the
// by-UID strategy.
func (c *Client) UIDSearchRange(lo, hi uint32) ([]uint32, error) {
	criteria := imapc.NewSearchCriteria()
	set := new(imapc.SeqSet)
	set.AddRange(lo, hi)
	criteria.Uid = set

	uids, err := c.raw.UidSearch(criteria)
	if err != nil {
		return nil, classify("uid_search", err, false)
	}
	return sortedUint32(uids), nil
}

// UIDSearchSince returns UIDs for messages received on or after since, as
// issued by the by-date strategy. The server compares dates at day
// granularity per RFC 3501.
func (c *Client) UIDSearchSince(since time.Time) ([]uint32, error) {
	criteria := imapc.NewSearchCriteria()
	criteria.Since = since

	uids, err := c.raw.UidSearch(criteria)
	if err != nil {
		return nil, classify("uid_search", err, false)
	}
	return sortedUint32(uids), nil
}

// IdleHandler is invoked for every untagged response received while idling.
// Returning true from the handler ends the idle call (equivalent to calling
// IdleDone from inside the handler).
type IdleHandler func(update client.Update) (done bool)

// Idle enters IDLE on the already-EXAMINE'd folder and blocks until handler
// signals done, stop fires, or the connection drops. It returns the
// classified error when the connection drops with an error; a clean stop or
// handler-requested done returns nil.
func (c *Client) Idle(handler IdleHandler, stop <-chan struct{}) error {
	idleClient := idle.NewClient(c.raw)

	updates := make(chan client.Update, 16)
	c.raw.Updates = updates
	defer func() { c.raw.Updates = nil }()

	idleStop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- idleClient.IdleWithFallback(idleStop, 5*time.Second)
	}()

	for {
		select {
		case <-stop:
			close(idleStop)
			<-idleDone
			return nil
		case err := <-idleDone:
			if err != nil {
				return classify("idle", err, false)
			}
			return nil
		case update := <-updates:
			if update == nil {
				continue
			}
			if handler(update) {
				close(idleStop)
				<-idleDone
				return nil
			}
		}
	}
}

// Logout sends LOGOUT, swallowing any error: teardown must never fail on a
// dead or already-closed connection.
func (c *Client) Logout() {
	if c == nil || c.raw == nil {
		return
	}
	_ = c.raw.Logout()
}

// Disconnect closes the underlying transport, swallowing any error.
func (c *Client) Disconnect() {
	if c == nil || c.raw == nil {
		return
	}
	_ = c.raw.Terminate()
}

// sortedUint32 returns uids in ascending order; go-imap's UidSearch does not
// guarantee ordering on the wire.
func sortedUint32(uids []uint32) []uint32 {
	out := make([]uint32, len(uids))
	copy(out, uids)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// IsEXISTS reports whether update is a mailbox EXISTS notification — new
// mail has arrived and the IDLE handler should end the wait.
func IsEXISTS(update client.Update) bool {
	mboxUpdate, ok := update.(*client.MailboxUpdate)
	return ok && mboxUpdate.Mailbox != nil
}

// IsBYE reports whether update is a server-initiated close, which must also
// end the wait to avoid deadlocking against a server that has already hung
// up (an Open Question resolution: the source only exits IDLE on EXISTS).
func IsBYE(update client.Update) bool {
	statusUpdate, ok := update.(*client.StatusUpdate)
	return ok && statusUpdate.Status != nil && statusUpdate.Status.Type == imapc.StatusRespBye
}

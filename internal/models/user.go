package models

import "time"

// AuthKind identifies how a provider expects credentials to be presented.
type AuthKind string

const (
	// AuthKindPassword is plain IMAP LOGIN with a username/password pair.
	AuthKindPassword AuthKind = "password"
	// AuthKindOAuth2 is a provider that requires an OAuth2 access token (e.g. Gmail XOAUTH2).
	AuthKindOAuth2 AuthKind = "oauth2"
)

// Provider holds the connection details needed to reach a user's IMAP server.
// EncryptedSecret is either a password or an OAuth2 refresh token, depending on Kind,
// encrypted at rest with the same AES-GCM envelope the teacher uses for IMAP credentials.
type Provider struct {
	Host            string
	Port            int
	TLS             bool
	Username        string
	Kind            AuthKind
	EncryptedSecret []byte
}

// User is the synchronization cursor and identity record for one mailbox.
// LastUID, LastUIDValidity and LastEmailAt are nullable: a nil LastUID means
// "no cursor in the current UID space", which forces the by-date search strategy.
//
// A worker treats *User as an immutable snapshot: after every reload through
// the scheduler bridge it replaces the whole pointer rather than mutating
// fields in place, so a stale read can never be observed mid-write.
type User struct {
	ID              string
	Email           string
	LastUID         *int64
	LastUIDValidity *string
	LastEmailAt     *time.Time
	LastLoginAt     time.Time
	Provider        Provider
}

// HasCursor reports whether the user has a UID cursor in the current UID space.
func (u *User) HasCursor() bool {
	return u != nil && u.LastUID != nil
}

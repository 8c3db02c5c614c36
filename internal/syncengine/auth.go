package syncengine

import (
	"fmt"

	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/crypto"
	mailimap "github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// BuildAuthenticator turns a persisted Provider into the narrow
// imap.AuthenticateFunc the worker runs against an already-connected
// client. Password auth is implemented here (LOGIN with a decrypted
// secret); OAuth2 is a provider-specific narrow capability this package
// does not own — callers wire their own AuthenticateFunc for it.
func BuildAuthenticator(provider models.Provider, decryptor *crypto.Encryptor) (mailimap.AuthenticateFunc, error) {
	switch provider.Kind {
	case models.AuthKindPassword:
		password, err := decryptor.Decrypt(provider.EncryptedSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential: %w", err)
		}
		return func(c *client.Client) error {
			return c.Login(provider.Username, password)
		}, nil
	case models.AuthKindOAuth2:
		return nil, fmt.Errorf("oauth2 authentication requires a caller-supplied authenticator")
	default:
		return nil, fmt.Errorf("unknown auth kind %q", provider.Kind)
	}
}

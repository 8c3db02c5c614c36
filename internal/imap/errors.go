package imap

import (
	"errors"
	"io"
	"net"
)

// ProtocolError wraps an IMAP-level error (a tagged NO/BAD response or an
// unexpected server state, e.g. no folder matched the preference list).
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return "imap: " + e.Op + ": " + e.Err.Error() }
func (e *ProtocolError) Unwrap() error { return e.Err }

// IOError wraps a transport-level failure: a dropped socket, EOF, or broken pipe.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return "imap: " + e.Op + ": " + e.Err.Error() }
func (e *IOError) Unwrap() error { return e.Err }

// AuthError wraps a credential rejection, a BYE during authentication, or an
// OAuth2 token failure.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string { return "imap: " + e.Op + ": " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// TimeoutError wraps a deadline exceeded while waiting on the server.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string { return "imap: " + e.Op + ": " + e.Err.Error() }
func (e *TimeoutError) Unwrap() error { return e.Err }

// classify turns a raw error from go-imap/net into one of the four kinds the
// state machine branches on. authPhase marks errors encountered while logging
// in: those are AuthError unless they are a timeout or a transport failure,
// which are checked first.
func classify(op string, err error, authPhase bool) error {
	if err == nil {
		return nil
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Op: op, Err: err}
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &IOError{Op: op, Err: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &IOError{Op: op, Err: err}
	}

	if authPhase {
		return &AuthError{Op: op, Err: err}
	}

	// Anything else surfaced by the go-imap client (a tagged NO/BAD response,
	// an unexpected server state) is a protocol-level failure.
	return &ProtocolError{Op: op, Err: err}
}

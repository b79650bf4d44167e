package mailbox

import (
	"context"
	"time"
)

// Credentials open one session. Password is the decrypted secret and
// must not be logged.
type Credentials struct {
	Host     string
	Port     int
	UseTLS   bool
	Username string
	Password string
}

// Envelope is the metadata needed to decide whether to download a
// message.
type Envelope struct {
	UID          uint32
	InternalDate time.Time
	MessageID    string
}

// RawMessage is a downloaded message.
type RawMessage struct {
	UID          uint32
	InternalDate time.Time
	MessageID    string
	Body         []byte
}

// Session is an authenticated connection to one mailbox server.
type Session interface {
	Select(ctx context.Context, mailbox string) error
	// Search returns the UIDs of messages received on or after the day
	// of since. Callers filter precisely on InternalDate.
	Search(ctx context.Context, since time.Time) ([]uint32, error)
	FetchEnvelopes(ctx context.Context, uids []uint32) ([]Envelope, error)
	FetchRaw(ctx context.Context, uids []uint32) ([]RawMessage, error)
	Close() error
}

// Dialer connects and authenticates. Failures are *ConnectionError or
// *AuthenticationError.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

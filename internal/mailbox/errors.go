package mailbox

import (
	"errors"
	"fmt"
)

// ErrAccountBusy is returned when another run holds the account's lock.
var ErrAccountBusy = errors.New("account fetch already running")

// ConnectionError is a transient transport failure. The fetcher retries
// it with backoff.
type ConnectionError struct {
	Addr string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailbox %s %s: %v", e.Addr, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// AuthenticationError means the server rejected the credentials. It is
// terminal for the run; the next scheduled run tries again.
type AuthenticationError struct {
	Username string
	Message  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %s", e.Username, e.Message)
}

// IsAuthenticationError reports whether err (or any error in its chain) is
// an AuthenticationError.
func IsAuthenticationError(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// IllegalTransitionError reports a session state change the state machine
// does not allow.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s", e.From, e.To)
}

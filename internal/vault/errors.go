package vault

import (
	"errors"
	"fmt"
)

// DecryptionError indicates a sealed value could not be opened. The
// message never includes plaintext or key material.
type DecryptionError struct {
	Scheme Scheme
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Scheme == "" {
		return fmt.Sprintf("decryption failed: %s", e.Reason)
	}
	return fmt.Sprintf("decryption failed (%s): %s", e.Scheme, e.Reason)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

// IsDecryptionError reports whether err (or any error in its chain) is a
// DecryptionError.
func IsDecryptionError(err error) bool {
	var decErr *DecryptionError
	return errors.As(err, &decErr)
}

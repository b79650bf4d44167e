package registry

import (
	"errors"
	"fmt"
	"time"
)

// OutOfOrderCheckpointError is returned when a checkpoint advance would
// move an account's cursor backwards. It signals a pipeline bug or a
// concurrent writer and is logged at high severity.
type OutOfOrderCheckpointError struct {
	AccountID string
	Current   time.Time
	Proposed  time.Time
}

func (e *OutOfOrderCheckpointError) Error() string {
	return fmt.Sprintf(
		"checkpoint for account %s would move backwards from %s to %s",
		e.AccountID,
		e.Current.Format(time.RFC3339Nano),
		e.Proposed.Format(time.RFC3339Nano),
	)
}

// IsOutOfOrderCheckpoint reports whether err (or any error in its chain)
// is an OutOfOrderCheckpointError.
func IsOutOfOrderCheckpoint(err error) bool {
	var ooErr *OutOfOrderCheckpointError
	return errors.As(err, &ooErr)
}

package backoff

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy is the exponential backoff shared by the fetcher, the scorer and
// the summary generator.
type Policy struct {
	// Attempts is the total number of calls, including the first.
	Attempts int
	// BaseDelay is the wait before the first retry; it doubles each time.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
}

// Default is three attempts starting at half a second.
var Default = Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

// Do calls fn until it succeeds, returns an error the classifier rejects,
// the attempts are exhausted or ctx is done. The last error from fn is
// returned unwrapped.
func (p Policy) Do(
	ctx context.Context,
	retryable Classifier,
	fn func(ctx context.Context) error,
) error {
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (p Policy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	retries := uint64(0)
	if p.Attempts > 1 {
		retries = uint64(p.Attempts - 1)
	}

	b := retry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(retries, b)
}

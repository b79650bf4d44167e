package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/maildigest/internal/metrics"
)

// Request is a single-turn completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	// Temperature is always sent; 0 asks for deterministic output.
	Temperature float64
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's text reply.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Client is a generative-model backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ErrorKind classifies model backend failures.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindAuth           ErrorKind = "auth"
	KindRateLimit      ErrorKind = "rate_limit"
	KindMalformed      ErrorKind = "malformed"
	KindServer         ErrorKind = "server"
	KindUnavailable    ErrorKind = "unavailable"
	KindInvalidRequest ErrorKind = "invalid_request"
)

// Error is a model backend failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("model backend %s (%d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("model backend %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimit, KindServer, KindUnavailable:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable model backend error.
func IsRetryable(err error) bool {
	var llmErr *Error
	return errors.As(err, &llmErr) && llmErr.Retryable()
}

// KindOf returns the kind of a model backend error, or "" for other
// errors.
func KindOf(err error) ErrorKind {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Kind
	}
	return ""
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 429:
		return KindRateLimit
	case code == 408:
		return KindTimeout
	case code >= 500:
		return KindServer
	default:
		return KindInvalidRequest
	}
}

// classifyTransport maps a failed round trip to an error.
func classifyTransport(ctx context.Context, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if ctx.Err() != nil {
		return &Error{Kind: KindUnavailable, Message: "request canceled", Err: ctx.Err()}
	}
	return &Error{Kind: KindUnavailable, Err: err}
}

// Limited wraps a Client with a process-wide rate limit.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

// NewLimited allows perMinute calls per minute with the given burst.
// A non-positive perMinute disables limiting.
func NewLimited(next Client, perMinute float64, burst int) *Limited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Complete waits for a token and forwards the call.
func (l *Limited) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindRateLimit, Message: "local rate limit wait aborted", Err: err}
	}
	return l.next.Complete(ctx, req)
}

// observe records latency and usage for one call.
func observe(provider string, start time.Time, resp *Response, err error) {
	status := "ok"
	if err != nil {
		status = string(KindOf(err))
		if status == "" {
			status = "error"
		}
	}
	var in, out int
	if resp != nil {
		in, out = resp.Usage.InputTokens, resp.Usage.OutputTokens
	}
	metrics.RecordModelCall(provider, status, time.Since(start), in, out)
}

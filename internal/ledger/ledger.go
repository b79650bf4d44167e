package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nhle/maildigest/internal/logging"
	"github.com/nhle/maildigest/internal/metrics"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/store"
)

// maxDetail bounds the stored detail text, in bytes.
const maxDetail = 2000

// truncateDetail cuts detail to maxDetail bytes without splitting a rune.
func truncateDetail(detail string) string {
	if len(detail) <= maxDetail {
		return detail
	}
	cut := maxDetail
	for cut > 0 && !utf8.RuneStart(detail[cut]) {
		cut--
	}
	return detail[:cut]
}

// Store is the persistence the ledger needs.
type Store interface {
	AppendLog(ctx context.Context, e *model.ProcessingLogEntry) error
	LastLog(ctx context.Context, subject string, stage model.Stage) (*model.ProcessingLogEntry, error)
	ListLog(ctx context.Context, subject string, limit int) ([]model.ProcessingLogEntry, error)
}

// Ledger is the append-only record of every processing attempt and the
// single source of idempotency decisions for the pipeline.
type Ledger struct {
	store  Store
	logger *zap.Logger
}

// New returns a Ledger writing to s.
func New(s Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: s, logger: logging.OrNop(logger)}
}

// RecordAttempt appends one attempt for subject at stage.
func (l *Ledger) RecordAttempt(
	ctx context.Context,
	subject Subject,
	stage model.Stage,
	outcome model.Outcome,
	detail string,
) error {
	if !outcome.Valid() {
		return fmt.Errorf("recording %s/%s: unknown outcome %q", subject, stage, outcome)
	}
	detail = truncateDetail(detail)

	err := l.store.AppendLog(ctx, &model.ProcessingLogEntry{
		Subject: string(subject),
		Stage:   stage,
		Outcome: outcome,
		Detail:  detail,
	})
	if err != nil {
		l.logger.Error("ledger append failed",
			zap.String("subject", string(subject)),
			zap.String("stage", string(stage)),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return err
	}

	metrics.RecordLedgerEntry(string(stage), string(outcome))
	return nil
}

// LastOutcome returns the outcome of the most recent attempt. found is
// false when the subject was never attempted at stage.
func (l *Ledger) LastOutcome(
	ctx context.Context,
	subject Subject,
	stage model.Stage,
) (outcome model.Outcome, found bool, err error) {
	e, err := l.store.LastLog(ctx, string(subject), stage)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Outcome, true, nil
}

// ShouldAttempt reports whether work for subject at stage is still
// pending, that is, whether its last outcome is anything but success.
func (l *Ledger) ShouldAttempt(ctx context.Context, subject Subject, stage model.Stage) (bool, error) {
	outcome, found, err := l.LastOutcome(ctx, subject, stage)
	if err != nil {
		return false, err
	}
	return !found || outcome != model.OutcomeSuccess, nil
}

// History returns every recorded attempt for subject in order.
func (l *Ledger) History(ctx context.Context, subject Subject, limit int) ([]model.ProcessingLogEntry, error) {
	return l.store.ListLog(ctx, string(subject), limit)
}

// Subject identifies the unit of work a ledger entry is about.
type Subject string

// AccountSubject identifies a per-account fetch run.
func AccountSubject(accountID string) Subject {
	return Subject("account:" + accountID)
}

// MessageSubject identifies a remote message before it has an email ID.
func MessageSubject(accountID, remoteID string) Subject {
	return Subject("message:" + accountID + ":" + remoteID)
}

// EmailSubject identifies a persisted email.
func EmailSubject(emailID string) Subject {
	return Subject("email:" + emailID)
}

// WindowSubject identifies a summary window.
func WindowSubject(start, end time.Time) Subject {
	return Subject(fmt.Sprintf("window:%d-%d", start.UTC().UnixMilli(), end.UTC().UnixMilli()))
}

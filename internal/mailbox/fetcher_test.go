package mailbox_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/maildigest/internal/backoff"
	"github.com/nhle/maildigest/internal/ledger"
	"github.com/nhle/maildigest/internal/lock"
	"github.com/nhle/maildigest/internal/mailbox"
	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/registry"
	"github.com/nhle/maildigest/internal/store"
	"github.com/nhle/maildigest/internal/testutil"
	"github.com/nhle/maildigest/internal/vault"
)

type fakeMessage struct {
	uid  uint32
	id   string
	at   time.Time
	body []byte
}

func message(uid uint32, id string, at time.Time) fakeMessage {
	body := fmt.Sprintf("Message-Id: <%s>\r\n"+
		"From: Alice <alice@example.com>\r\n"+
		"Subject: hello %s\r\n"+
		"Date: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"body of %s\r\n", id, id, at.Format(time.RFC1123Z), id)
	return fakeMessage{uid: uid, id: id, at: at, body: []byte(body)}
}

// fakeServer is an in-memory mailbox. The first dialFailures dials fail
// with a connection error.
type fakeServer struct {
	mu           sync.Mutex
	messages     []fakeMessage
	dialFailures int
	rejectLogin  bool
	dials        int
	closed       int
	lastSince    time.Time
	lastCreds    mailbox.Credentials
}

func (s *fakeServer) Dial(_ context.Context, creds mailbox.Credentials) (mailbox.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.lastCreds = creds
	if s.dials <= s.dialFailures {
		return nil, &mailbox.ConnectionError{Addr: creds.Host, Op: "dial", Err: errors.New("connection refused")}
	}
	if s.rejectLogin {
		return nil, &mailbox.AuthenticationError{Username: creds.Username, Message: "invalid credentials"}
	}
	return &fakeSession{server: s}, nil
}

type fakeSession struct {
	server *fakeServer
}

func (f *fakeSession) Select(context.Context, string) error { return nil }

func (f *fakeSession) Search(_ context.Context, since time.Time) ([]uint32, error) {
	s := f.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSince = since

	// IMAP SINCE has day granularity.
	day := since.UTC().Truncate(24 * time.Hour)
	var uids []uint32
	for _, m := range s.messages {
		if !m.at.Before(day) {
			uids = append(uids, m.uid)
		}
	}
	return uids, nil
}

func (f *fakeSession) FetchEnvelopes(_ context.Context, uids []uint32) ([]mailbox.Envelope, error) {
	var out []mailbox.Envelope
	for _, m := range f.server.pick(uids) {
		out = append(out, mailbox.Envelope{UID: m.uid, InternalDate: m.at, MessageID: m.id})
	}
	return out, nil
}

func (f *fakeSession) FetchRaw(_ context.Context, uids []uint32) ([]mailbox.RawMessage, error) {
	var out []mailbox.RawMessage
	for _, m := range f.server.pick(uids) {
		out = append(out, mailbox.RawMessage{UID: m.uid, InternalDate: m.at, MessageID: m.id, Body: m.body})
	}
	return out, nil
}

func (f *fakeSession) Close() error {
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	f.server.closed++
	return nil
}

func (s *fakeServer) pick(uids []uint32) []fakeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		want[u] = true
	}
	var out []fakeMessage
	for _, m := range s.messages {
		if want[m.uid] {
			out = append(out, m)
		}
	}
	return out
}

type fixture struct {
	store    *store.Store
	vault    *vault.Vault
	registry *registry.Registry
	ledger   *ledger.Ledger
	locker   *lock.Local
	account  *model.EmailAccount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.NewTestStore(t)
	v := testutil.NewTestVault(t)
	return &fixture{
		store:    s,
		vault:    v,
		registry: registry.New(s, v, nil),
		ledger:   ledger.New(s, nil),
		locker:   lock.NewLocal(),
		account:  testutil.CreateAccount(t, s, v, "me@example.com", "hunter2"),
	}
}

func (f *fixture) fetcher(dialer mailbox.Dialer, s mailbox.Store) *mailbox.Fetcher {
	if s == nil {
		s = f.store
	}
	return mailbox.NewFetcher(mailbox.Config{
		Overlap:     5 * time.Minute,
		MaxMessages: 100,
		Retry:       backoff.Policy{Attempts: 3, BaseDelay: time.Millisecond},
	}, dialer, f.registry, s, f.ledger, f.locker, nil)
}

func (f *fixture) setCheckpoint(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, f.registry.AdvanceCheckpoint(context.Background(), f.account.ID, at))
}

func (f *fixture) checkpoint(t *testing.T) time.Time {
	t.Helper()
	cp, err := f.registry.Checkpoint(context.Background(), f.account.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	return *cp
}

var day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestFetchPersistsNewMessagesAndAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1)

	server := &fakeServer{messages: []fakeMessage{
		message(1, "m1@example.com", day1.Add(8*time.Hour)),
		message(2, "m2@example.com", day1.Add(9*time.Hour)),
	}}

	res, err := f.fetcher(server, nil).FetchAccount(ctx, *f.account)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Persisted)
	assert.True(t, res.Advanced)

	n, err := f.store.CountEmails(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, f.checkpoint(t).Equal(day1.Add(9*time.Hour)))

	assert.True(t, server.lastSince.Equal(day1.Add(-5*time.Minute)))
	assert.Equal(t, "me@example.com", server.lastCreds.Username)
	assert.Equal(t, "hunter2", server.lastCreds.Password)
	assert.Equal(t, 1, server.closed)

	e, err := f.store.GetEmailByRemoteID(ctx, f.account.ID, "m1@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hello m1@example.com", e.Subject)
	assert.True(t, e.ReceivedAt.Equal(day1.Add(8*time.Hour)))

	last, found, err := f.ledger.LastOutcome(ctx, ledger.AccountSubject(f.account.ID), model.StageFetch)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.OutcomeSuccess, last)
}

func TestRepeatedFetchesNeverDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1)

	server := &fakeServer{messages: []fakeMessage{
		message(1, "m1@example.com", day1.Add(8*time.Hour)),
		message(2, "m2@example.com", day1.Add(9*time.Hour)),
	}}
	fetcher := f.fetcher(server, nil)

	for i := 0; i < 3; i++ {
		_, err := fetcher.FetchAccount(ctx, *f.account)
		require.NoError(t, err)
	}

	server.messages = append(server.messages, message(3, "m3@example.com", day1.Add(10*time.Hour)))
	res, err := fetcher.FetchAccount(ctx, *f.account)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Persisted)

	n, err := f.store.CountEmails(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFetchDeduplicatesWithoutLedgerHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1)
	testutil.InsertEmail(t, f.store, f.account.ID, "m1@example.com", day1.Add(8*time.Hour), nil, "")

	server := &fakeServer{messages: []fakeMessage{message(1, "m1@example.com", day1.Add(8*time.Hour))}}
	res, err := f.fetcher(server, nil).FetchAccount(ctx, *f.account)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Persisted)
	assert.Equal(t, 1, res.Duplicates)

	n, err := f.store.CountEmails(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMalformedMessageDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1)

	bad := fakeMessage{
		uid:  2,
		id:   "bad@example.com",
		at:   day1.Add(9 * time.Hour),
		body: []byte("this is not a header line\r\n\r\nbody\r\n"),
	}
	server := &fakeServer{messages: []fakeMessage{
		message(1, "m1@example.com", day1.Add(8*time.Hour)),
		bad,
		message(3, "m3@example.com", day1.Add(10*time.Hour)),
	}}

	res, err := f.fetcher(server, nil).FetchAccount(ctx, *f.account)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 1, res.Malformed)
	assert.True(t, f.checkpoint(t).Equal(day1.Add(10*time.Hour)))

	last, found, err := f.ledger.LastOutcome(ctx, ledger.MessageSubject(f.account.ID, "bad@example.com"), model.StageFetch)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.OutcomeFailure, last)
}

func TestAuthenticationFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1)

	server := &fakeServer{rejectLogin: true, messages: []fakeMessage{message(1, "m1@example.com", day1.Add(time.Hour))}}
	_, err := f.fetcher(server, nil).FetchAccount(ctx, *f.account)
	require.Error(t, err)
	assert.True(t, mailbox.IsAuthenticationError(err))
	assert.Equal(t, 1, server.dials)
	assert.True(t, f.checkpoint(t).Equal(day1))

	last, _, err := f.ledger.LastOutcome(ctx, ledger.AccountSubject(f.account.ID), model.StageFetch)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailure, last)
}

func TestConnectionErrorsAreRetried(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers", func(t *testing.T) {
		f := newFixture(t)
		f.setCheckpoint(t, day1)
		server := &fakeServer{dialFailures: 2, messages: []fakeMessage{message(1, "m1@example.com", day1.Add(time.Hour))}}

		res, err := f.fetcher(server, nil).FetchAccount(ctx, *f.account)
		require.NoError(t, err)
		assert.Equal(t, 3, server.dials)
		assert.Equal(t, 1, res.Persisted)
	})

	t.Run("gives up", func(t *testing.T) {
		f := newFixture(t)
		f.setCheckpoint(t, day1)
		server := &fakeServer{dialFailures: 10}

		_, err := f.fetcher(server, nil).FetchAccount(ctx, *f.account)
		require.Error(t, err)
		assert.True(t, mailbox.IsConnectionError(err))
		assert.Equal(t, 3, server.dials)
	})
}

type flakyStore struct {
	mailbox.Store
	failRemoteID string
}

func (s *flakyStore) InsertEmail(ctx context.Context, e *model.Email) (bool, error) {
	if e.RemoteID == s.failRemoteID {
		return false, errors.New("disk full")
	}
	return s.Store.InsertEmail(ctx, e)
}

func TestPersistenceFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1)

	server := &fakeServer{messages: []fakeMessage{
		message(1, "m1@example.com", day1.Add(8*time.Hour)),
		message(2, "m2@example.com", day1.Add(9*time.Hour)),
	}}
	flaky := &flakyStore{Store: f.store, failRemoteID: "m2@example.com"}

	res, err := f.fetcher(server, flaky).FetchAccount(ctx, *f.account)
	require.Error(t, err)
	assert.Equal(t, 1, res.Persisted)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, f.checkpoint(t).Equal(day1))

	// The next run picks up the failed message; the persisted one is
	// filtered by the ledger.
	res, err = f.fetcher(server, nil).FetchAccount(ctx, *f.account)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, 1, res.Persisted)
	assert.True(t, f.checkpoint(t).Equal(day1.Add(9*time.Hour)))
}

func TestFetchSkipsBusyAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	unlock, ok, err := f.locker.TryLock(ctx, "fetch:account:"+f.account.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = unlock(ctx) }()

	server := &fakeServer{}
	_, err = f.fetcher(server, nil).FetchAccount(ctx, *f.account)
	assert.ErrorIs(t, err, mailbox.ErrAccountBusy)
	assert.Zero(t, server.dials)

	_, found, err := f.ledger.LastOutcome(ctx, ledger.AccountSubject(f.account.ID), model.StageFetch)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnreadableCredentialIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	other, err := vault.New([]byte("a-completely-different-secret"))
	require.NoError(t, err)
	sealed, err := other.Seal([]byte("pw"))
	require.NoError(t, err)
	require.NoError(t, f.store.UpdateAccountCredential(ctx, f.account.ID, sealed))
	a, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)

	server := &fakeServer{}
	_, err = f.fetcher(server, nil).FetchAccount(ctx, *a)
	require.Error(t, err)
	assert.True(t, vault.IsDecryptionError(err))
	assert.Zero(t, server.dials)
}

func TestHookSeesNewEmailsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1)

	server := &fakeServer{messages: []fakeMessage{
		message(7, "late@example.com", day1.Add(11*time.Hour)),
		message(3, "early@example.com", day1.Add(7*time.Hour)),
	}}
	fetcher := f.fetcher(server, nil)

	var seen []string
	fetcher.OnPersisted(func(_ context.Context, e model.Email) {
		seen = append(seen, e.RemoteID)
		assert.NotEmpty(t, e.ID)
	})

	_, err := fetcher.FetchAccount(ctx, *f.account)
	require.NoError(t, err)
	assert.Equal(t, []string{"early@example.com", "late@example.com"}, seen)
}

func TestMessagesBeforeOverlapAreIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setCheckpoint(t, day1.Add(12*time.Hour))

	server := &fakeServer{messages: []fakeMessage{
		message(1, "old@example.com", day1.Add(2*time.Hour)),
		message(2, "skew@example.com", day1.Add(12*time.Hour-time.Minute)),
		message(3, "new@example.com", day1.Add(13*time.Hour)),
	}}

	res, err := f.fetcher(server, nil).FetchAccount(ctx, *f.account)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Candidates)

	_, err = f.store.GetEmailByRemoteID(ctx, f.account.ID, "old@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetEmailByRemoteID(ctx, f.account.ID, "skew@example.com")
	assert.NoError(t, err)
}

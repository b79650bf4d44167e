package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nhle/maildigest/internal/model"
	"github.com/nhle/maildigest/internal/store"
	"github.com/nhle/maildigest/internal/vault"
)

// TestSecret is the process secret used by NewTestVault.
const TestSecret = "maildigest-test-secret-0123456789"

// NewTestStore creates an in-memory SQLite store with all migrations
// applied. It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestVault returns a vault keyed with TestSecret.
func NewTestVault(t *testing.T) *vault.Vault {
	t.Helper()

	v, err := vault.New([]byte(TestSecret))
	if err != nil {
		t.Fatalf("creating test vault: %v", err)
	}
	return v
}

// CreateAccount inserts an active account for address with password
// sealed by v.
func CreateAccount(t *testing.T, s *store.Store, v *vault.Vault, address, password string) *model.EmailAccount {
	t.Helper()

	sealed, err := v.Seal([]byte(password))
	if err != nil {
		t.Fatalf("sealing password: %v", err)
	}
	a := &model.EmailAccount{
		Address:  address,
		Host:     "imap.example.com",
		Port:     993,
		UseTLS:   true,
		Password: sealed,
		Active:   true,
	}
	if err := s.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("creating account %s: %v", address, err)
	}
	return a
}

// InsertEmail stores an email for accountID and optionally scores it.
func InsertEmail(
	t *testing.T,
	s *store.Store,
	accountID, remoteID string,
	received time.Time,
	score *int,
	category string,
) *model.Email {
	t.Helper()

	e := &model.Email{
		AccountID:     accountID,
		RemoteID:      remoteID,
		Subject:       "Subject " + remoteID,
		SenderAddress: "sender@example.com",
		SenderName:    "Sender",
		Body:          "Body of " + remoteID,
		ReceivedAt:    received,
	}
	if _, err := s.InsertEmail(context.Background(), e); err != nil {
		t.Fatalf("inserting email %s: %v", remoteID, err)
	}
	if score != nil {
		if err := s.SetScore(context.Background(), e.ID, *score, category); err != nil {
			t.Fatalf("scoring email %s: %v", remoteID, err)
		}
		e.RelevanceScore = score
		e.Category = category
	}
	return e
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

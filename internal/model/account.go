package model

import (
	"time"

	"github.com/nhle/maildigest/internal/vault"
)

// DefaultSenderWeight is applied to senders with no configured priority.
const DefaultSenderWeight = 5

// EmailAccount is a remote mailbox the pipeline polls.
type EmailAccount struct {
	// ID is the internal unique identifier for this account.
	ID string `json:"id"`

	// Address is the mailbox address and is unique across accounts.
	Address string `json:"address"`

	// Host and Port locate the IMAP server.
	Host string `json:"host"`
	Port int    `json:"port"`

	// UseTLS selects implicit TLS; otherwise STARTTLS is negotiated.
	UseTLS bool `json:"use_tls"`

	// Username is the login name, usually the address.
	Username string `json:"username"`

	// Password is the sealed login secret. It is never serialized.
	Password vault.Sealed `json:"-"`

	// Active accounts are polled; inactive ones are kept for history.
	Active bool `json:"active"`

	// Checkpoint is the receipt time of the newest message fully
	// processed for this account. Nil until the first successful fetch.
	Checkpoint *time.Time `json:"checkpoint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SenderPriority is an operator-assigned importance weight for a sender.
type SenderPriority struct {
	// Address is the lower-cased sender address.
	Address string `json:"address"`

	// Weight is between 0 and 10.
	Weight int `json:"weight"`

	// Note is a free-form reminder of why the weight was set.
	Note string `json:"note"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Secret is a named third-party credential, such as a model API key.
type Secret struct {
	Name      string
	Value     vault.Sealed
	UpdatedAt time.Time
}

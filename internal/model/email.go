package model

import "time"

// Email is a normalized message pulled from a remote mailbox.
type Email struct {
	// ID is the internal unique identifier for this email.
	ID string `json:"id"`

	// AccountID links the email to the account it was fetched from.
	AccountID string `json:"account_id"`

	// RemoteID is the Message-Id, or a content hash when the header is
	// missing. (AccountID, RemoteID) is unique.
	RemoteID string `json:"remote_id"`

	Subject       string `json:"subject"`
	SenderAddress string `json:"sender_address"`
	SenderName    string `json:"sender_name"`

	// Body is the plain-text body with whitespace normalized.
	Body string `json:"body"`

	// ReceivedAt is the server receipt time.
	ReceivedAt time.Time `json:"received_at"`

	// RelevanceScore is nil until scored and never changes afterwards.
	RelevanceScore *int `json:"relevance_score,omitempty"`

	// Category is the model-assigned grouping label.
	Category string `json:"category"`

	// Summarized is set once the email has been included in a digest.
	Summarized bool `json:"summarized"`

	CreatedAt time.Time `json:"created_at"`
}

// Scored reports whether a relevance score has been assigned.
func (e *Email) Scored() bool {
	return e.RelevanceScore != nil
}

// AgentType identifies which model task a prompt template drives.
type AgentType string

const (
	AgentRelevance AgentType = "relevance"
	AgentSummary   AgentType = "summary"
)

// PromptVersion is an immutable prompt template revision.
type PromptVersion struct {
	ID        string    `json:"id"`
	AgentType AgentType `json:"agent_type"`
	Version   int       `json:"version"`
	Template  string    `json:"template"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// DailySummary is a generated digest of the relevant emails in a window.
type DailySummary struct {
	ID string `json:"id"`

	// WindowStart is inclusive and WindowEnd exclusive.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	Digest   string   `json:"digest"`
	EmailIDs []string `json:"email_ids"`

	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`

	GeneratedAt time.Time `json:"generated_at"`
}

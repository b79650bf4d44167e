package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1. Statements
// are separated by semicolons and must stay portable between SQLite and
// PostgreSQL; %AUTOINC% expands to the backend's sequence column.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS accounts (
	id                  TEXT PRIMARY KEY,
	address             TEXT NOT NULL UNIQUE,
	host                TEXT NOT NULL,
	port                INTEGER NOT NULL,
	use_tls             INTEGER NOT NULL DEFAULT 1,
	username            TEXT NOT NULL,
	password_scheme     TEXT NOT NULL,
	password_ciphertext TEXT NOT NULL,
	is_active           INTEGER NOT NULL DEFAULT 1,
	checkpoint          BIGINT,
	created_at          BIGINT NOT NULL,
	updated_at          BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sender_priorities (
	address    TEXT PRIMARY KEY,
	weight     INTEGER NOT NULL CHECK (weight BETWEEN 0 AND 10),
	note       TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS emails (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id),
	remote_id       TEXT NOT NULL,
	subject         TEXT NOT NULL DEFAULT '',
	sender_address  TEXT NOT NULL DEFAULT '',
	sender_name     TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL DEFAULT '',
	received_at     BIGINT NOT NULL,
	relevance_score INTEGER CHECK (relevance_score BETWEEN 0 AND 10),
	category        TEXT NOT NULL DEFAULT '',
	summarized      INTEGER NOT NULL DEFAULT 0,
	created_at      BIGINT NOT NULL,
	UNIQUE (account_id, remote_id)
);

CREATE TABLE IF NOT EXISTS prompt_versions (
	id         TEXT PRIMARY KEY,
	agent_type TEXT NOT NULL,
	version    INTEGER NOT NULL,
	template   TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	UNIQUE (agent_type, version)
);

CREATE TABLE IF NOT EXISTS daily_summaries (
	id            TEXT PRIMARY KEY,
	window_start  BIGINT NOT NULL,
	window_end    BIGINT NOT NULL,
	digest        TEXT NOT NULL,
	email_ids     TEXT NOT NULL DEFAULT '[]',
	email_count   INTEGER NOT NULL DEFAULT 0,
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	generated_at  BIGINT NOT NULL,
	UNIQUE (window_start, window_end)
);

CREATE TABLE IF NOT EXISTS processing_log (
	seq        %AUTOINC%,
	subject    TEXT NOT NULL,
	stage      TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_prompt_versions_active
	ON prompt_versions(agent_type) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_emails_received_at ON emails(received_at);
CREATE INDEX IF NOT EXISTS idx_emails_unscored ON emails(relevance_score, received_at);
CREATE INDEX IF NOT EXISTS idx_processing_log_subject
	ON processing_log(subject, stage, seq);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS secrets (
	name       TEXT PRIMARY KEY,
	scheme     TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_accounts_scheme ON accounts(password_scheme);
`,
	},
}

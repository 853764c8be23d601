package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1. The SQL must
// run unchanged on SQLite and PostgreSQL.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS email_accounts (
	id                      TEXT PRIMARY KEY,
	user_id                 TEXT NOT NULL,
	email_address           TEXT NOT NULL,
	provider                TEXT NOT NULL DEFAULT '',
	imap_host               TEXT NOT NULL,
	imap_port               INTEGER NOT NULL DEFAULT 993,
	imap_security           TEXT NOT NULL DEFAULT 'tls',
	smtp_host               TEXT NOT NULL DEFAULT '',
	smtp_port               INTEGER NOT NULL DEFAULT 465,
	smtp_security           TEXT NOT NULL DEFAULT 'tls',
	username                TEXT NOT NULL,
	encrypted_password      TEXT,
	encrypted_access_token  TEXT,
	encrypted_refresh_token TEXT,
	token_expires_at        TIMESTAMP,
	mailbox                 TEXT NOT NULL DEFAULT 'INBOX',
	is_default              BOOLEAN NOT NULL DEFAULT FALSE,
	last_synced_uid         BIGINT NOT NULL DEFAULT 0,
	last_synced_at          TIMESTAMP,
	created_at              TIMESTAMP NOT NULL,
	updated_at              TIMESTAMP NOT NULL,
	UNIQUE (user_id, email_address)
);

CREATE TABLE IF NOT EXISTS folders (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL DEFAULT 'other',
	created_at TIMESTAMP NOT NULL,
	UNIQUE (account_id, name)
);

CREATE TABLE IF NOT EXISTS emails (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
	folder_id       TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid             BIGINT NOT NULL,
	message_id      TEXT,
	from_address    TEXT,
	from_name       TEXT,
	to_address      TEXT,
	to_name         TEXT,
	cc              TEXT,
	subject         TEXT,
	body_text       TEXT,
	body_html       TEXT,
	preview         TEXT,
	received_at     TIMESTAMP NOT NULL,
	is_read         BOOLEAN NOT NULL DEFAULT FALSE,
	is_starred      BOOLEAN NOT NULL DEFAULT FALSE,
	has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
	category        TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_account_message
	ON emails(account_id, message_id) WHERE message_id IS NOT NULL;
-- UIDVALIDITY is not tracked: after a reset, new messages reusing old UIDs are skipped by ON CONFLICT DO NOTHING.
CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_folder_uid ON emails(folder_id, uid);
CREATE INDEX IF NOT EXISTS idx_emails_received_at ON emails(received_at);
CREATE INDEX IF NOT EXISTS idx_emails_account_category
	ON emails(account_id, category, received_at);

CREATE TABLE IF NOT EXISTS attachments (
	id              TEXT PRIMARY KEY,
	email_id        TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	filename        TEXT NOT NULL DEFAULT '',
	content_type    TEXT NOT NULL DEFAULT 'application/octet-stream',
	size            BIGINT NOT NULL DEFAULT 0,
	storage_locator TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attachments_email_id ON attachments(email_id);

CREATE TABLE IF NOT EXISTS user_settings (
	id                           TEXT PRIMARY KEY,
	user_id                      TEXT NOT NULL UNIQUE,
	category_preferences         TEXT NOT NULL DEFAULT '{}',
	work_profile                 TEXT NOT NULL DEFAULT '',
	emails_since_reset           INTEGER NOT NULL DEFAULT 0,
	last_categorization_reset_at TIMESTAMP,
	tutorial_completed           BOOLEAN NOT NULL DEFAULT FALSE,
	plan                         TEXT NOT NULL DEFAULT 'free',
	subscription_status          TEXT,
	created_at                   TIMESTAMP NOT NULL,
	updated_at                   TIMESTAMP NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_emails_uncategorized
	ON emails(account_id, received_at) WHERE category IS NULL;

CREATE INDEX IF NOT EXISTS idx_user_settings_reset
	ON user_settings(last_categorization_reset_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

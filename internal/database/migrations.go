package database

// Migration represents a database migration
type Migration struct {
	Version int
	SQL     string
}

// migrations is the list of all database migrations
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
			-- Mail accounts with sealed credentials
			CREATE TABLE accounts (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,

				-- SMTP submission endpoint
				smtp_host TEXT NOT NULL,
				smtp_port INTEGER NOT NULL DEFAULT 587,

				-- IMAP retrieval endpoint
				imap_host TEXT NOT NULL,
				imap_port INTEGER NOT NULL DEFAULT 993,

				-- Primary credential pair plus optional per-protocol overrides
				username TEXT NOT NULL,
				encrypted_password TEXT NOT NULL,
				smtp_username TEXT,
				encrypted_smtp_password TEXT,
				imap_username TEXT,
				encrypted_imap_password TEXT,

				display_name TEXT,
				approval_required INTEGER NOT NULL DEFAULT 1,
				auto_send_threshold REAL NOT NULL DEFAULT 0.85,
				review_threshold REAL NOT NULL DEFAULT 0.50,
				rate_limit_per_hour INTEGER,

				created_at TEXT NOT NULL,
				verified_at TEXT
			);

			-- Outbound send queue and history
			CREATE TABLE messages (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id),
				message_id TEXT,
				direction TEXT NOT NULL DEFAULT 'outbound',
				from_addr TEXT NOT NULL,
				to_addr TEXT NOT NULL,
				subject TEXT,
				status TEXT NOT NULL DEFAULT 'queued',
				error TEXT,
				text_content TEXT,
				html_content TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				next_retry_at TEXT,
				created_at TEXT NOT NULL,
				sent_at TEXT
			);

			CREATE INDEX idx_messages_queue ON messages(status, next_retry_at);
			CREATE INDEX idx_messages_account ON messages(account_id, created_at);

			-- Pending compositions awaiting human review
			CREATE TABLE drafts (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id),
				status TEXT NOT NULL DEFAULT 'draft',
				to_addr TEXT NOT NULL,
				subject TEXT,
				text_content TEXT,
				html_content TEXT,
				in_reply_to TEXT,
				metadata TEXT,
				message_id TEXT,
				send_after TEXT,
				snoozed_until TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				sent_at TEXT,
				created_by TEXT
			);

			CREATE INDEX idx_drafts_account ON drafts(account_id, updated_at);

			-- Journal of processed inbound mail; uniqueness is the dedup key
			CREATE TABLE agent_actions (
				id TEXT PRIMARY KEY,
				inbound_message_id TEXT NOT NULL UNIQUE,
				from_addr TEXT,
				subject TEXT,
				classification TEXT,
				confidence REAL,
				action TEXT,
				reasoning TEXT,
				draft_reply TEXT,
				escalation_note TEXT,
				outbound_message_id TEXT,
				created_at TEXT NOT NULL
			);

			-- Packed float32 vectors for semantic lookup
			CREATE TABLE message_embeddings (
				message_id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				embedding BLOB NOT NULL,
				model TEXT NOT NULL,
				embedded_at TEXT NOT NULL
			);

			CREATE INDEX idx_embeddings_account ON message_embeddings(account_id);
		`,
	},
}

package store

// Timestamps are stored as fixed-width UTC text (see formatTime) so that
// lexical comparison in SQL matches chronological order on every driver.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	run_id TEXT,
	sender TEXT NOT NULL,
	content_type TEXT NOT NULL,
	content_json TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_messages_run ON messages(run_id);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	trigger_message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'queued',
	started_at TEXT,
	finished_at TEXT,
	last_error TEXT,
	lease_owner TEXT,
	lease_expires_at TEXT,
	reclaims INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_lease ON runs(status, lease_expires_at);

CREATE TABLE IF NOT EXISTS media (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	message_id TEXT REFERENCES messages(id) ON DELETE SET NULL,
	media_type TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	sha256 TEXT DEFAULT '',
	size_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_media_conversation ON media(conversation_id);

CREATE TABLE IF NOT EXISTS deliveries (
	id TEXT PRIMARY KEY,
	run_id TEXT UNIQUE NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	next_attempt_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'enqueued',
	error TEXT,
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	success_ttl_seconds INTEGER NOT NULL DEFAULT 0,
	failure_ttl_seconds INTEGER NOT NULL DEFAULT 0,
	enqueued_at TEXT NOT NULL,
	finished_at TEXT,
	expires_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
CREATE INDEX IF NOT EXISTS idx_jobs_expires ON jobs(expires_at);
`

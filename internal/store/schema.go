package store

// The two dialects share column names and types where possible; only
// the autoincrement spelling differs.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	framework TEXT NOT NULL,
	model_name TEXT NOT NULL,
	dataset_uri TEXT NOT NULL DEFAULT '',
	config_json TEXT NOT NULL DEFAULT '{}',
	command_json TEXT NOT NULL DEFAULT '[]',
	image TEXT NOT NULL DEFAULT '',
	callback_url TEXT NOT NULL DEFAULT '',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	gpus INTEGER NOT NULL DEFAULT 0,
	cpu_cores INTEGER NOT NULL DEFAULT 0,
	memory_mb INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	version INTEGER NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	backend_handle TEXT NOT NULL DEFAULT '',
	epoch INTEGER NOT NULL DEFAULT 0,
	step INTEGER NOT NULL DEFAULT 0,
	metrics_json TEXT NOT NULL DEFAULT '{}',
	ckpt_best TEXT NOT NULL DEFAULT '',
	ckpt_last TEXT NOT NULL DEFAULT '',
	error_json TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	stream TEXT NOT NULL,
	line TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, seq);

CREATE TABLE IF NOT EXISTS job_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	step INTEGER NOT NULL DEFAULT 0,
	metrics_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_metrics_job ON job_metrics(job_id, id);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	framework TEXT NOT NULL,
	model_name TEXT NOT NULL,
	dataset_uri TEXT NOT NULL DEFAULT '',
	config_json TEXT NOT NULL DEFAULT '{}',
	command_json TEXT NOT NULL DEFAULT '[]',
	image TEXT NOT NULL DEFAULT '',
	callback_url TEXT NOT NULL DEFAULT '',
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	gpus INTEGER NOT NULL DEFAULT 0,
	cpu_cores INTEGER NOT NULL DEFAULT 0,
	memory_mb INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	version BIGINT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	backend_handle TEXT NOT NULL DEFAULT '',
	epoch INTEGER NOT NULL DEFAULT 0,
	step INTEGER NOT NULL DEFAULT 0,
	metrics_json TEXT NOT NULL DEFAULT '{}',
	ckpt_best TEXT NOT NULL DEFAULT '',
	ckpt_last TEXT NOT NULL DEFAULT '',
	error_json TEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	started_at BIGINT,
	completed_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_logs (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	stream TEXT NOT NULL,
	line TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, seq);

CREATE TABLE IF NOT EXISTS job_metrics (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	epoch INTEGER NOT NULL,
	step INTEGER NOT NULL DEFAULT 0,
	metrics_json TEXT NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_metrics_job ON job_metrics(job_id, id);
`

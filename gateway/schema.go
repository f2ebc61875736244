// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS meta_queries (
	request_id            TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	project_id            TEXT NOT NULL,
	prefix                TEXT NOT NULL,
	suffix                TEXT NOT NULL,
	file_name             TEXT NOT NULL,
	selected_text         TEXT NOT NULL,
	contextual_telemetry  TEXT NOT NULL,
	behavioral_telemetry  TEXT NOT NULL,
	timed_out_models      TEXT NOT NULL,
	created_at            INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS meta_queries_user_idx ON meta_queries (user_id, created_at);

CREATE TABLE IF NOT EXISTS generations (
	request_id         TEXT NOT NULL,
	model_id           TEXT NOT NULL,
	completion         TEXT NOT NULL,
	confidence         REAL NOT NULL,
	generation_time_ms INTEGER NOT NULL,
	error              TEXT NOT NULL,
	digest             TEXT NOT NULL,
	created_at         INTEGER NOT NULL,
	PRIMARY KEY (request_id, model_id),
	FOREIGN KEY (request_id) REFERENCES meta_queries (request_id)
);

CREATE TABLE IF NOT EXISTS ground_truth (
	request_id      TEXT NOT NULL,
	model_id        TEXT NOT NULL,
	accepted        INTEGER NOT NULL,
	shown_at_unixms INTEGER NOT NULL,
	ground_truth    TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (request_id, model_id)
);

CREATE TABLE IF NOT EXISTS telemetry_events (
	request_id           TEXT PRIMARY KEY,
	user_id              TEXT NOT NULL,
	project_id           TEXT NOT NULL,
	contextual_telemetry TEXT NOT NULL,
	behavioral_telemetry TEXT NOT NULL,
	created_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS context_snapshots (
	project_id     TEXT NOT NULL,
	change_index   INTEGER NOT NULL,
	file_path      TEXT NOT NULL,
	digest         TEXT NOT NULL,
	body           BLOB NOT NULL,
	compressed     INTEGER NOT NULL,
	encrypted      INTEGER NOT NULL,
	uncompressed_size INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	PRIMARY KEY (project_id, change_index, file_path)
);
`

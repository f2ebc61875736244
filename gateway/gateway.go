// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway implements the Persistence Gateway (spec.md §4.7):
// the narrow set of durable-store verbs the persist workers and the
// Session Cache's reaper call to write completion history, feedback,
// and flushed multi-file project context to SQLite.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/completion-backend/config"
	"github.com/bureau-foundation/completion-backend/lib/sqlitepool"
	"github.com/bureau-foundation/completion-backend/sessioncache"
	"github.com/bureau-foundation/completion-backend/wire"
)

// Store is the durable-store side of the Persistence Gateway. It
// implements sessioncache.ContextFlusher so the reaper can flush a
// dying project's context directly.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	cfg    config.StoreConfig
}

// Open creates (or opens) the SQLite database at cfg.Path, applying
// the schema, and returns a ready-to-use Store.
func Open(cfg config.StoreConfig, logger *slog.Logger) (*Store, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: opening store: %w", err)
	}
	return &Store{pool: pool, logger: logger, cfg: cfg}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// UpsertUser records that userID has been seen, idempotently.
func (s *Store) UpsertUser(ctx context.Context, userID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("gateway: upsert user: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn, `
		INSERT INTO users (user_id, created_at) VALUES (?, ?)
		ON CONFLICT (user_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{userID, time.Now().Unix()}})
}

// QueryRecord is the durable write for one completion or chat request:
// the request's context, every model reply that arrived before the
// request was sealed, and which models (if any) timed out.
type QueryRecord struct {
	RequestID           string
	UserID              string
	ProjectID           string
	Context             wire.CodeContext
	ContextualTelemetry wire.ContextualTelemetry
	BehavioralTelemetry wire.BehavioralTelemetry
	Replies             []wire.ModelReplyPayload
	TimedOut            []string
}

// CreateQueryRecord writes a sealed request and its replies in one
// transaction, keyed idempotently by (request_id) for the query row
// and (request_id, model_id) for each generation — a retried persist
// task (redelivered after a worker crash mid-write) is a no-op the
// second time through.
func (s *Store) CreateQueryRecord(ctx context.Context, record QueryRecord) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("gateway: create query record: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("gateway: create query record: beginning transaction: %w", err)
	}
	defer endFn(&err)

	timedOutJSON, err := marshalJSON(record.TimedOut)
	if err != nil {
		return err
	}
	contextualJSON, err := marshalJSON(record.ContextualTelemetry)
	if err != nil {
		return err
	}
	behavioralJSON, err := marshalJSON(record.BehavioralTelemetry)
	if err != nil {
		return err
	}

	if err = sqlitex.Execute(conn, `
		INSERT INTO meta_queries
			(request_id, user_id, project_id, prefix, suffix, file_name,
			 selected_text, contextual_telemetry, behavioral_telemetry,
			 timed_out_models, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{
			record.RequestID, record.UserID, record.ProjectID,
			record.Context.Prefix, record.Context.Suffix, record.Context.FileName,
			record.Context.SelectedText, contextualJSON, behavioralJSON,
			timedOutJSON, time.Now().Unix(),
		}}); err != nil {
		return fmt.Errorf("gateway: inserting query record: %w", err)
	}

	for _, reply := range record.Replies {
		if err = sqlitex.Execute(conn, `
			INSERT INTO generations
				(request_id, model_id, completion, confidence,
				 generation_time_ms, error, digest, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (request_id, model_id) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{
				record.RequestID, reply.ModelID, reply.Completion, reply.Confidence,
				reply.GenerationTimeMS, reply.Error, generationDigestHex(record.RequestID, reply),
				time.Now().Unix(),
			}}); err != nil {
			return fmt.Errorf("gateway: inserting generation for model %s: %w", reply.ModelID, err)
		}
	}

	return nil
}

// AppendGroundTruth records feedback on a previously generated
// completion. Idempotent on (request_id, model_id): a redelivered
// feedback task overwrites rather than duplicates, since feedback
// (unlike a generation) can legitimately be corrected by a later
// message from the same client.
func (s *Store) AppendGroundTruth(ctx context.Context, userID string, feedback wire.FeedbackPayload) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("gateway: append ground truth: %w", err)
	}
	defer s.pool.Put(conn)

	accepted := 0
	if feedback.Accepted {
		accepted = 1
	}
	return sqlitex.Execute(conn, `
		INSERT INTO ground_truth
			(request_id, model_id, accepted, shown_at_unixms, ground_truth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id, model_id) DO UPDATE SET
			accepted = excluded.accepted,
			shown_at_unixms = excluded.shown_at_unixms,
			ground_truth = excluded.ground_truth`,
		&sqlitex.ExecOptions{Args: []any{
			feedback.RequestID, feedback.ModelID, accepted, feedback.ShownAtUnixMS,
			feedback.GroundTruth, time.Now().Unix(),
		}})
}

// UpsertTelemetry records a standalone telemetry envelope from the
// analytics sink — a request that never produced a generation row
// (rejected, abandoned, or otherwise off the query-completion path)
// still needs to be observable. Idempotent on request_id: a
// redelivered or resampled event overwrites rather than duplicates.
func (s *Store) UpsertTelemetry(ctx context.Context, requestID, userID, projectID string, contextual wire.ContextualTelemetry, behavioral wire.BehavioralTelemetry) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("gateway: upsert telemetry: %w", err)
	}
	defer s.pool.Put(conn)

	contextualJSON, err := marshalJSON(contextual)
	if err != nil {
		return err
	}
	behavioralJSON, err := marshalJSON(behavioral)
	if err != nil {
		return err
	}

	return sqlitex.Execute(conn, `
		INSERT INTO telemetry_events
			(request_id, user_id, project_id, contextual_telemetry, behavioral_telemetry, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			contextual_telemetry = excluded.contextual_telemetry,
			behavioral_telemetry = excluded.behavioral_telemetry`,
		&sqlitex.ExecOptions{Args: []any{
			requestID, userID, projectID, contextualJSON, behavioralJSON, time.Now().Unix(),
		}})
}

// WriteContextSnapshot persists one file's worth of an incremental
// context.update, keyed by (project_id, change_index, file_path) so a
// redelivered persist task is a no-op. Unlike FlushProjectContext,
// this only checks the operator-level durability flag: the
// per-session StoreContextDurably preference is only known once the
// whole project's session set has been observed, which is the flush
// path's concern, not this one's.
func (s *Store) WriteContextSnapshot(ctx context.Context, projectID, filePath, content, digestHex string, changeIndex int64) error {
	if !s.cfg.StoreMultiFileContextDurably {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("gateway: write context snapshot: %w", err)
	}
	defer s.pool.Put(conn)

	body := []byte(content)
	encrypted := false
	compressedBody, compressed := compressSnapshot(body)
	stored := compressedBody
	if s.cfg.ContextEncryptionRecipient != "" {
		ciphertext, sealErr := sealSnapshot(compressedBody, s.cfg.ContextEncryptionRecipient)
		if sealErr != nil {
			return fmt.Errorf("gateway: sealing context snapshot for %s: %w", filePath, sealErr)
		}
		stored = ciphertext
		encrypted = true
	}

	return sqlitex.Execute(conn, `
		INSERT INTO context_snapshots
			(project_id, change_index, file_path, digest, body, compressed,
			 encrypted, uncompressed_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, change_index, file_path) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{
			projectID, changeIndex, filePath, digestHex, stored,
			boolToInt(compressed), boolToInt(encrypted), len(body), time.Now().Unix(),
		}})
}

// FlushProjectContext persists a dying project's multi-file context,
// implementing sessioncache.ContextFlusher. The write happens only if
// both the operator-level config.StoreConfig.StoreMultiFileContextDurably
// flag and the project's own StoreContextDurably preference (the
// running AND of every attached session's opt-in) are true; otherwise
// the context is discarded without a write, matching the Python
// original's per-user retention gate.
func (s *Store) FlushProjectContext(ctx context.Context, projectToken string, record sessioncache.ProjectRecord) error {
	if !s.cfg.StoreMultiFileContextDurably || !record.StoreContextDurably {
		return nil
	}
	if len(record.Context) == 0 {
		return nil
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("gateway: flush project context: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("gateway: flush project context: beginning transaction: %w", err)
	}
	defer endFn(&err)

	changeIndex := record.NextChangeIndex - 1
	for filePath, content := range record.Context {
		body := []byte(content)
		encrypted := false
		compressedBody, compressed := compressSnapshot(body)
		stored := compressedBody
		if s.cfg.ContextEncryptionRecipient != "" {
			ciphertext, sealErr := sealSnapshot(compressedBody, s.cfg.ContextEncryptionRecipient)
			if sealErr != nil {
				return fmt.Errorf("gateway: sealing context snapshot for %s: %w", filePath, sealErr)
			}
			stored = ciphertext
			encrypted = true
		}

		if err = sqlitex.Execute(conn, `
			INSERT INTO context_snapshots
				(project_id, change_index, file_path, digest, body, compressed,
				 encrypted, uncompressed_size, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (project_id, change_index, file_path) DO NOTHING`,
			&sqlitex.ExecOptions{Args: []any{
				record.ProjectID, changeIndex, filePath, digestFor(content), stored,
				boolToInt(compressed), boolToInt(encrypted), len(body), time.Now().Unix(),
			}}); err != nil {
			return fmt.Errorf("gateway: inserting context snapshot for %s: %w", filePath, err)
		}
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

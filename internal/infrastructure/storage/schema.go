package storage

import (
	"context"
	"fmt"
	"strings"
)

// schema lists DDL statements; {{id}} and {{float}} are replaced per dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_windows (
		conversation_id TEXT NOT NULL,
		window_id       TEXT NOT NULL,
		start_at        BIGINT NOT NULL,
		end_at          BIGINT NOT NULL,
		messages        TEXT NOT NULL,
		ingested_at     BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, window_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_windows_end ON conversation_windows (conversation_id, end_at)`,

	`CREATE TABLE IF NOT EXISTS excluded_conversations (
		conversation_id TEXT PRIMARY KEY,
		reason          TEXT NOT NULL DEFAULT '',
		excluded_at     BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS batch_work_items (
		id             {{id}},
		correlation_id TEXT NOT NULL,
		stage          TEXT NOT NULL,
		attempt        INTEGER NOT NULL,
		payload        TEXT NOT NULL,
		state          TEXT NOT NULL,
		batch_handle   TEXT NOT NULL DEFAULT '',
		result         TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		flagged        INTEGER NOT NULL DEFAULT 0,
		note           TEXT NOT NULL DEFAULT '',
		created_at     BIGINT NOT NULL,
		submitted_at   BIGINT,
		completed_at   BIGINT,
		handled_at     BIGINT,
		superseded_at  BIGINT,
		claim_token    TEXT NOT NULL DEFAULT '',
		claimed_at     BIGINT
	)`,
	// At most one live item per correlation id; failed and superseded rows are history.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_work_items_live ON batch_work_items (correlation_id)
		WHERE state <> 'failed' AND superseded_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS ix_work_items_stage_state ON batch_work_items (stage, state)`,
	`CREATE INDEX IF NOT EXISTS ix_work_items_handle ON batch_work_items (batch_handle)`,
	`CREATE INDEX IF NOT EXISTS ix_work_items_claim ON batch_work_items (claim_token)`,

	`CREATE TABLE IF NOT EXISTS screening_results (
		conversation_id     TEXT NOT NULL,
		window_id           TEXT NOT NULL,
		has_artifacts       INTEGER NOT NULL,
		candidate_types     TEXT NOT NULL,
		confidence          {{float}} NOT NULL,
		model               TEXT NOT NULL DEFAULT '',
		screened_at         BIGINT NOT NULL,
		needs_manual_review INTEGER NOT NULL DEFAULT 0,
		note                TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (conversation_id, window_id)
	)`,

	`CREATE TABLE IF NOT EXISTS artifacts (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		window_id       TEXT NOT NULL,
		type            TEXT NOT NULL,
		summary         TEXT NOT NULL,
		summary_key     TEXT NOT NULL,
		verbatim_text   TEXT NOT NULL DEFAULT '',
		actor           TEXT NOT NULL DEFAULT '',
		recipient       TEXT NOT NULL DEFAULT '',
		mentioned_at    BIGINT,
		due_date        BIGINT,
		status          TEXT NOT NULL,
		priority        TEXT NOT NULL DEFAULT '',
		confidence      {{float}} NOT NULL,
		extracted_at    BIGINT NOT NULL,
		updated_at      BIGINT NOT NULL,
		UNIQUE (conversation_id, window_id, summary_key)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_artifacts_due ON artifacts (status, due_date)`,

	`CREATE TABLE IF NOT EXISTS status_checks (
		id                  TEXT PRIMARY KEY,
		artifact_id         TEXT NOT NULL REFERENCES artifacts (id),
		window_from         BIGINT NOT NULL,
		window_to           BIGINT NOT NULL,
		status              TEXT NOT NULL,
		previous_status     TEXT NOT NULL,
		rationale           TEXT NOT NULL DEFAULT '',
		evidence            TEXT NOT NULL DEFAULT '[]',
		needs_manual_review INTEGER NOT NULL DEFAULT 0,
		model               TEXT NOT NULL DEFAULT '',
		checked_at          BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_status_checks_artifact ON status_checks (artifact_id, checked_at)`,
}

// Migrate creates missing tables and indexes. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	floatType := "REAL"
	if s.dialect == DialectPostgres {
		idType = "BIGSERIAL PRIMARY KEY"
		floatType = "DOUBLE PRECISION"
	}
	replacer := strings.NewReplacer("{{id}}", idType, "{{float}}", floatType)

	for i, stmt := range schema {
		if _, err := s.q.ExecContext(ctx, replacer.Replace(stmt)); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}

package postgres

import (
	"context"
	"fmt"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS dataset_snapshots (
    snapshot_id        TEXT PRIMARY KEY,
    name               TEXT NOT NULL,
    content_sha256     TEXT NOT NULL UNIQUE,
    source_uri         TEXT NOT NULL,
    row_count          BIGINT NOT NULL,
    columns            JSONB NOT NULL,
    null_fractions     JSONB NOT NULL,
    schema_fingerprint TEXT NOT NULL,
    captured_at        TIMESTAMPTZ NOT NULL,
    integrity_sha256   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dataset_snapshots_name ON dataset_snapshots (name, captured_at DESC);

CREATE TABLE IF NOT EXISTS training_runs (
    run_id           TEXT PRIMARY KEY,
    snapshot_id      TEXT NOT NULL,
    snapshot_sha256  TEXT NOT NULL,
    code_version     TEXT NOT NULL,
    trigger_kind     TEXT,
    forced           BOOLEAN NOT NULL DEFAULT FALSE,
    status           TEXT NOT NULL,
    stage            TEXT,
    failure_stage    TEXT,
    failure_reason   TEXT,
    hyperparams      JSONB NOT NULL,
    metrics          JSONB NOT NULL,
    artifact_id      TEXT,
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ,
    integrity_sha256 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_training_runs_status ON training_runs (status);
CREATE INDEX IF NOT EXISTS idx_training_runs_identity ON training_runs (snapshot_sha256, code_version, started_at DESC);

CREATE TABLE IF NOT EXISTS run_ledger (
    ledger_id        TEXT PRIMARY KEY,
    run_id           TEXT NOT NULL UNIQUE,
    snapshot_id      TEXT,
    snapshot_sha256  TEXT NOT NULL,
    code_version     TEXT NOT NULL,
    forced           BOOLEAN NOT NULL DEFAULT FALSE,
    trigger_kind     TEXT,
    decision_reason  TEXT,
    recorded_at      TIMESTAMPTZ NOT NULL,
    integrity_sha256 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_ledger_recorded_at ON run_ledger (recorded_at DESC);

CREATE TABLE IF NOT EXISTS model_artifacts (
    artifact_id        TEXT PRIMARY KEY,
    run_id             TEXT NOT NULL,
    object_key         TEXT NOT NULL,
    sha256             TEXT NOT NULL,
    size_bytes         BIGINT NOT NULL,
    schema_fingerprint TEXT NOT NULL,
    hyperparams        JSONB NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL,
    integrity_sha256   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_model_artifacts_run ON model_artifacts (run_id, created_at DESC);

CREATE TABLE IF NOT EXISTS model_pointers (
    model_name           TEXT PRIMARY KEY,
    version              BIGINT NOT NULL,
    artifact_id          TEXT NOT NULL,
    run_id               TEXT NOT NULL,
    previous_artifact_id TEXT,
    promoted_at          TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS promotion_history (
    promotion_id         TEXT PRIMARY KEY,
    model_name           TEXT NOT NULL,
    version              BIGINT NOT NULL,
    artifact_id          TEXT NOT NULL,
    run_id               TEXT,
    previous_artifact_id TEXT,
    kind                 TEXT NOT NULL,
    actor                TEXT,
    occurred_at          TIMESTAMPTZ NOT NULL,
    integrity_sha256     TEXT NOT NULL,
    UNIQUE (model_name, version, kind, occurred_at)
);
CREATE INDEX IF NOT EXISTS idx_promotion_history_model ON promotion_history (model_name, occurred_at DESC);

CREATE TABLE IF NOT EXISTS run_stage_events (
    event_id         TEXT PRIMARY KEY,
    run_id           TEXT NOT NULL,
    stage            TEXT NOT NULL,
    status           TEXT,
    observed_at      TIMESTAMPTZ NOT NULL,
    details          JSONB NOT NULL,
    integrity_sha256 TEXT NOT NULL,
    UNIQUE (run_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_run_stage_events_run ON run_stage_events (run_id, observed_at ASC);

CREATE TABLE IF NOT EXISTS audit_events (
    event_id         BIGSERIAL PRIMARY KEY,
    occurred_at      TIMESTAMPTZ NOT NULL,
    actor            TEXT NOT NULL,
    action           TEXT NOT NULL,
    resource_type    TEXT NOT NULL,
    resource_id      TEXT NOT NULL,
    request_id       TEXT,
    ip               TEXT,
    user_agent       TEXT,
    payload          JSONB NOT NULL,
    integrity_sha256 TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events (occurred_at DESC);
`

// EnsureSchema applies the idempotent DDL. Safe to run on every startup.
func EnsureSchema(ctx context.Context, db DB) error {
	if db == nil {
		return fmt.Errorf("database handle is required")
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	selectRunColumns = `run_id, snapshot_id, snapshot_sha256, code_version, trigger_kind, forced,
		status, stage, failure_stage, failure_reason, hyperparams, metrics, artifact_id,
		started_at, ended_at, integrity_sha256`

	// Interrupted attempts never finished, so they do not satisfy the
	// once-per-input idempotence check.
	completedRunPredicate = `status IN ('skipped','promoted','failed')
		AND (failure_reason IS NULL OR failure_reason <> 'interrupted')`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.TrainingRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	hyperparamsJSON, err := encodeMetadata(run.Hyperparams)
	if err != nil {
		return fmt.Errorf("encode hyperparams: %w", err)
	}
	metricsJSON, err := encodeMetadata(run.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	var endedAt sql.NullTime
	if run.EndedAt != nil {
		endedAt = sql.NullTime{Time: run.EndedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO training_runs (
			run_id,
			snapshot_id,
			snapshot_sha256,
			code_version,
			trigger_kind,
			forced,
			status,
			stage,
			failure_stage,
			failure_reason,
			hyperparams,
			metrics,
			artifact_id,
			started_at,
			ended_at,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.SnapshotID),
		strings.TrimSpace(run.SnapshotSHA256),
		strings.TrimSpace(run.CodeVersion),
		nullIfEmpty(run.Trigger),
		run.Forced,
		string(run.Status),
		nullIfEmpty(string(run.Stage)),
		nullIfEmpty(string(run.FailureStage)),
		nullIfEmpty(run.FailureReason),
		hyperparamsJSON,
		metricsJSON,
		nullIfEmpty(run.ArtifactID),
		normalizeTime(run.StartedAt),
		endedAt,
		strings.TrimSpace(run.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.TrainingRun, error) {
	if s == nil || s.db == nil {
		return domain.TrainingRun{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.TrainingRun{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+` FROM training_runs WHERE run_id = $1`,
		id,
	)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.TrainingRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(string(filter.Status)) != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.SnapshotSHA256) != "" {
		args = append(args, strings.TrimSpace(filter.SnapshotSHA256))
		clauses = append(clauses, fmt.Sprintf("snapshot_sha256 = $%d", len(args)))
	}
	query := `SELECT ` + selectRunColumns + ` FROM training_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *RunStore) ListNonTerminalRuns(ctx context.Context) ([]domain.TrainingRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	query := `SELECT ` + selectRunColumns + ` FROM training_runs
		WHERE status IN ('pending','running')
		ORDER BY started_at ASC`
	return s.queryRuns(ctx, query)
}

func (s *RunStore) UpdateRunStage(ctx context.Context, id string, stage domain.RunStage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if !stage.Valid() {
		return fmt.Errorf("invalid run stage: %q", stage)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE training_runs SET stage = $1, status = $2 WHERE run_id = $3`,
		string(stage),
		string(domain.RunStatusRunning),
		id,
	)
	if err != nil {
		return fmt.Errorf("update run stage: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run stage: %w", err)
	}
	if rows == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) FinalizeRun(ctx context.Context, id string, outcome domain.Outcome, metrics domain.Metadata, endedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if !outcome.Status.Terminal() {
		return fmt.Errorf("outcome status %q is not terminal", outcome.Status)
	}
	metricsJSON, err := encodeMetadata(metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE training_runs
		 SET status = $1, failure_stage = $2, failure_reason = $3, metrics = $4,
		     artifact_id = $5, ended_at = $6
		 WHERE run_id = $7 AND status IN ('pending','running')`,
		string(outcome.Status),
		nullIfEmpty(string(outcome.Stage)),
		nullIfEmpty(outcome.Reason),
		metricsJSON,
		nullIfEmpty(outcome.ArtifactID),
		normalizeTime(endedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if rows == 0 {
		return repo.ErrConflict
	}
	return nil
}

func (s *RunStore) FindCompletedAttempt(ctx context.Context, snapshotSHA256, codeVersion string) (domain.TrainingRun, error) {
	if s == nil || s.db == nil {
		return domain.TrainingRun{}, fmt.Errorf("run store not initialized")
	}
	snapshotSHA256 = strings.TrimSpace(snapshotSHA256)
	if snapshotSHA256 == "" {
		return domain.TrainingRun{}, fmt.Errorf("snapshot sha256 is required")
	}
	codeVersion = strings.TrimSpace(codeVersion)
	if codeVersion == "" {
		return domain.TrainingRun{}, fmt.Errorf("code version is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+` FROM training_runs
		 WHERE snapshot_sha256 = $1 AND code_version = $2 AND `+completedRunPredicate+`
		 ORDER BY started_at DESC LIMIT 1`,
		snapshotSHA256,
		codeVersion,
	)
	return scanRun(row)
}

func (s *RunStore) LatestCompletedRun(ctx context.Context) (domain.TrainingRun, error) {
	if s == nil || s.db == nil {
		return domain.TrainingRun{}, fmt.Errorf("run store not initialized")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectRunColumns+` FROM training_runs
		 WHERE `+completedRunPredicate+`
		 ORDER BY started_at DESC LIMIT 1`,
	)
	return scanRun(row)
}

func (s *RunStore) queryRuns(ctx context.Context, query string, args ...any) ([]domain.TrainingRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.TrainingRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(scanner runScanner) (domain.TrainingRun, error) {
	var run domain.TrainingRun
	var trigger sql.NullString
	var stage sql.NullString
	var failureStage sql.NullString
	var failureReason sql.NullString
	var hyperparamsJSON []byte
	var metricsJSON []byte
	var artifactID sql.NullString
	var status string
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&run.SnapshotID,
		&run.SnapshotSHA256,
		&run.CodeVersion,
		&trigger,
		&run.Forced,
		&status,
		&stage,
		&failureStage,
		&failureReason,
		&hyperparamsJSON,
		&metricsJSON,
		&artifactID,
		&run.StartedAt,
		&endedAt,
		&run.IntegritySHA256,
	); err != nil {
		return domain.TrainingRun{}, handleNotFound(err)
	}
	run.Status = domain.RunStatus(status)
	run.Trigger = strings.TrimSpace(trigger.String)
	run.Stage = domain.RunStage(strings.TrimSpace(stage.String))
	run.FailureStage = domain.RunStage(strings.TrimSpace(failureStage.String))
	run.FailureReason = strings.TrimSpace(failureReason.String)
	run.ArtifactID = strings.TrimSpace(artifactID.String)
	run.StartedAt = run.StartedAt.UTC()
	if endedAt.Valid {
		ended := endedAt.Time.UTC()
		run.EndedAt = &ended
	}
	hyperparams, err := decodeMetadata(hyperparamsJSON)
	if err != nil {
		return domain.TrainingRun{}, fmt.Errorf("decode hyperparams: %w", err)
	}
	metrics, err := decodeMetadata(metricsJSON)
	if err != nil {
		return domain.TrainingRun{}, fmt.Errorf("decode metrics: %w", err)
	}
	run.Hyperparams = hyperparams
	run.Metrics = metrics
	return run, nil
}

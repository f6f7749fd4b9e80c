package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/repo"
)

type PointerStore struct {
	db DB
}

const (
	// A fresh pointer is installed at version 1. Losing the insert race means
	// another controller already promoted; the caller must re-read and retry
	// its decision, not blindly overwrite.
	insertPointerQuery = `INSERT INTO model_pointers (
		model_name,
		version,
		artifact_id,
		run_id,
		previous_artifact_id,
		promoted_at
	) VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (model_name) DO NOTHING`

	// The compare-and-swap predicate: version N replaces exactly version N-1.
	swapPointerQuery = `UPDATE model_pointers
		SET version = $1, artifact_id = $2, run_id = $3, previous_artifact_id = $4, promoted_at = $5
		WHERE model_name = $6 AND version = $7`

	selectPointerQuery = `SELECT model_name, version, artifact_id, run_id, previous_artifact_id, promoted_at
		FROM model_pointers WHERE model_name = $1`

	insertPromotionQuery = `INSERT INTO promotion_history (
		promotion_id,
		model_name,
		version,
		artifact_id,
		run_id,
		previous_artifact_id,
		kind,
		actor,
		occurred_at,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
)

func NewPointerStore(db DB) *PointerStore {
	if db == nil {
		return nil
	}
	return &PointerStore{db: db}
}

func (s *PointerStore) Get(ctx context.Context, name string) (domain.ModelPointer, error) {
	if s == nil || s.db == nil {
		return domain.ModelPointer{}, fmt.Errorf("pointer store not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ModelPointer{}, fmt.Errorf("model name is required")
	}
	var pointer domain.ModelPointer
	var previous sql.NullString
	row := s.db.QueryRowContext(ctx, selectPointerQuery, name)
	if err := row.Scan(
		&pointer.Name,
		&pointer.Version,
		&pointer.ArtifactID,
		&pointer.RunID,
		&previous,
		&pointer.PromotedAt,
	); err != nil {
		return domain.ModelPointer{}, handleNotFound(err)
	}
	pointer.PreviousArtifactID = strings.TrimSpace(previous.String)
	pointer.PromotedAt = pointer.PromotedAt.UTC()
	return pointer, nil
}

func (s *PointerStore) Swap(ctx context.Context, pointer domain.ModelPointer) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pointer store not initialized")
	}
	if err := pointer.Validate(); err != nil {
		return err
	}
	promotedAt := normalizeTime(pointer.PromotedAt)

	var res interface{ RowsAffected() (int64, error) }
	var err error
	if pointer.Version == 1 {
		res, err = s.db.ExecContext(
			ctx,
			insertPointerQuery,
			strings.TrimSpace(pointer.Name),
			pointer.Version,
			strings.TrimSpace(pointer.ArtifactID),
			strings.TrimSpace(pointer.RunID),
			nullIfEmpty(pointer.PreviousArtifactID),
			promotedAt,
		)
	} else {
		res, err = s.db.ExecContext(
			ctx,
			swapPointerQuery,
			pointer.Version,
			strings.TrimSpace(pointer.ArtifactID),
			strings.TrimSpace(pointer.RunID),
			nullIfEmpty(pointer.PreviousArtifactID),
			promotedAt,
			strings.TrimSpace(pointer.Name),
			pointer.Version-1,
		)
	}
	if err != nil {
		return fmt.Errorf("swap pointer: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap pointer: %w", err)
	}
	if rows == 0 {
		return domain.ErrPromotionConflict
	}
	return nil
}

func (s *PointerStore) AppendHistory(ctx context.Context, record domain.PromotionRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("pointer store not initialized")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		insertPromotionQuery,
		strings.TrimSpace(record.ID),
		strings.TrimSpace(record.ModelName),
		record.Version,
		strings.TrimSpace(record.ArtifactID),
		nullIfEmpty(record.RunID),
		nullIfEmpty(record.PreviousArtifactID),
		strings.TrimSpace(record.Kind),
		nullIfEmpty(record.Actor),
		normalizeTime(record.OccurredAt),
		strings.TrimSpace(record.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("append promotion record: %w", err)
	}
	return nil
}

func (s *PointerStore) ListHistory(ctx context.Context, filter repo.PromotionFilter) ([]domain.PromotionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("pointer store not initialized")
	}
	clauses := make([]string, 0, 1)
	args := make([]any, 0, 2)
	if strings.TrimSpace(filter.ModelName) != "" {
		args = append(args, strings.TrimSpace(filter.ModelName))
		clauses = append(clauses, fmt.Sprintf("model_name = $%d", len(args)))
	}
	query := `SELECT promotion_id, model_name, version, artifact_id, run_id, previous_artifact_id,
		kind, actor, occurred_at, integrity_sha256
		FROM promotion_history`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at DESC, version DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list promotion history: %w", err)
	}
	defer rows.Close()

	records := make([]domain.PromotionRecord, 0)
	for rows.Next() {
		var record domain.PromotionRecord
		var runID sql.NullString
		var previous sql.NullString
		var actor sql.NullString
		if err := rows.Scan(
			&record.ID,
			&record.ModelName,
			&record.Version,
			&record.ArtifactID,
			&runID,
			&previous,
			&record.Kind,
			&actor,
			&record.OccurredAt,
			&record.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan promotion record: %w", err)
		}
		record.RunID = strings.TrimSpace(runID.String)
		record.PreviousArtifactID = strings.TrimSpace(previous.String)
		record.Actor = strings.TrimSpace(actor.String)
		record.OccurredAt = record.OccurredAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list promotion history: %w", err)
	}
	return records, nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/readmit-labs/readmit-go/internal/domain"
)

type StageEventStore struct {
	db DB
}

const (
	insertStageEventQuery = `INSERT INTO run_stage_events (
		event_id,
		run_id,
		stage,
		status,
		observed_at,
		details,
		integrity_sha256
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (run_id, stage) DO NOTHING`

	listStageEventsQuery = `SELECT event_id, run_id, stage, status, observed_at, details, integrity_sha256
		FROM run_stage_events
		WHERE run_id = $1
		ORDER BY observed_at ASC`
)

func NewStageEventStore(db DB) *StageEventStore {
	if db == nil {
		return nil
	}
	return &StageEventStore{db: db}
}

func (s *StageEventStore) Append(ctx context.Context, event domain.RunStageEvent) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("stage event store not initialized")
	}
	runID := strings.TrimSpace(event.RunID)
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	if !event.Stage.Valid() {
		return false, fmt.Errorf("invalid run stage: %q", event.Stage)
	}
	if err := requireIntegrity(event.IntegritySHA256); err != nil {
		return false, err
	}
	id := strings.TrimSpace(event.ID)
	if id == "" {
		id = uuid.NewString()
	}
	detailsJSON, err := encodeMetadata(event.Details)
	if err != nil {
		return false, fmt.Errorf("encode details: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		insertStageEventQuery,
		id,
		runID,
		string(event.Stage),
		nullIfEmpty(event.Status),
		normalizeTime(event.ObservedAt),
		detailsJSON,
		strings.TrimSpace(event.IntegritySHA256),
	)
	if err != nil {
		return false, fmt.Errorf("append stage event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append stage event: %w", err)
	}
	return rows > 0, nil
}

func (s *StageEventStore) ListByRun(ctx context.Context, runID string) ([]domain.RunStageEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("stage event store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStageEventsQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list stage events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.RunStageEvent, 0)
	for rows.Next() {
		var event domain.RunStageEvent
		var status sql.NullString
		var detailsJSON []byte
		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Stage,
			&status,
			&event.ObservedAt,
			&detailsJSON,
			&event.IntegritySHA256,
		); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		event.Status = strings.TrimSpace(status.String)
		event.ObservedAt = event.ObservedAt.UTC()
		details, err := decodeMetadata(detailsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
		event.Details = details
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stage events: %w", err)
	}
	return events, nil
}

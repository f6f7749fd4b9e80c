package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/readmit-labs/readmit-go/internal/domain"
)

type ArtifactStore struct {
	db DB
}

const selectArtifactColumns = `artifact_id, run_id, object_key, sha256, size_bytes,
	schema_fingerprint, hyperparams, created_at, integrity_sha256`

func NewArtifactStore(db DB) *ArtifactStore {
	if db == nil {
		return nil
	}
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) CreateArtifact(ctx context.Context, artifact domain.ModelArtifact) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("artifact store not initialized")
	}
	if err := artifact.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(artifact.IntegritySHA256); err != nil {
		return err
	}
	hyperparamsJSON, err := encodeMetadata(artifact.Hyperparams)
	if err != nil {
		return fmt.Errorf("encode hyperparams: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO model_artifacts (
			artifact_id,
			run_id,
			object_key,
			sha256,
			size_bytes,
			schema_fingerprint,
			hyperparams,
			created_at,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(artifact.ID),
		strings.TrimSpace(artifact.RunID),
		strings.TrimSpace(artifact.ObjectKey),
		strings.TrimSpace(artifact.SHA256),
		artifact.SizeBytes,
		strings.TrimSpace(artifact.SchemaFingerprint),
		hyperparamsJSON,
		normalizeTime(artifact.CreatedAt),
		strings.TrimSpace(artifact.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (domain.ModelArtifact, error) {
	if s == nil || s.db == nil {
		return domain.ModelArtifact{}, fmt.Errorf("artifact store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ModelArtifact{}, fmt.Errorf("artifact id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectArtifactColumns+` FROM model_artifacts WHERE artifact_id = $1`,
		id,
	)
	return scanArtifact(row)
}

func (s *ArtifactStore) GetArtifactByRun(ctx context.Context, runID string) (domain.ModelArtifact, error) {
	if s == nil || s.db == nil {
		return domain.ModelArtifact{}, fmt.Errorf("artifact store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ModelArtifact{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+selectArtifactColumns+` FROM model_artifacts
		 WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`,
		runID,
	)
	return scanArtifact(row)
}

func (s *ArtifactStore) ListArtifacts(ctx context.Context, limit int) ([]domain.ModelArtifact, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("artifact store not initialized")
	}
	query := `SELECT ` + selectArtifactColumns + ` FROM model_artifacts ORDER BY created_at DESC`
	args := make([]any, 0, 1)
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := make([]domain.ModelArtifact, 0)
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return artifacts, nil
}

type artifactScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(scanner artifactScanner) (domain.ModelArtifact, error) {
	var artifact domain.ModelArtifact
	var hyperparamsJSON []byte
	if err := scanner.Scan(
		&artifact.ID,
		&artifact.RunID,
		&artifact.ObjectKey,
		&artifact.SHA256,
		&artifact.SizeBytes,
		&artifact.SchemaFingerprint,
		&hyperparamsJSON,
		&artifact.CreatedAt,
		&artifact.IntegritySHA256,
	); err != nil {
		return domain.ModelArtifact{}, handleNotFound(err)
	}
	hyperparams, err := decodeMetadata(hyperparamsJSON)
	if err != nil {
		return domain.ModelArtifact{}, fmt.Errorf("decode hyperparams: %w", err)
	}
	artifact.Hyperparams = hyperparams
	artifact.CreatedAt = artifact.CreatedAt.UTC()
	return artifact, nil
}

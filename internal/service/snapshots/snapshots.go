// Package snapshots ingests raw dataset files into immutable, content-addressed
// snapshots: profile the CSV once, persist the registry row, and park the raw
// bytes in the datasets bucket under their content hash.
package snapshots

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/platform/auditlog"
	"github.com/readmit-labs/readmit-go/internal/profile"
	"github.com/readmit-labs/readmit-go/internal/storage"
)

type Repository interface {
	CreateSnapshot(ctx context.Context, snapshot domain.DatasetSnapshot) (bool, error)
	GetSnapshotByContent(ctx context.Context, contentSHA256 string) (domain.DatasetSnapshot, error)
	LatestSnapshot(ctx context.Context, name string) (domain.DatasetSnapshot, error)
}

// AuditFunc records an audit event. Failures are the callback's concern.
type AuditFunc func(ctx context.Context, event auditlog.Event)

type Config struct {
	Bucket          string
	NullTokens      []string
	RequiredColumns []string
}

type Service struct {
	logger *slog.Logger
	repo   Repository
	store  storage.Store
	cfg    Config
	audit  AuditFunc
	now    func() time.Time
}

func New(logger *slog.Logger, repo Repository, store storage.Store, cfg Config, audit AuditFunc) *Service {
	if logger == nil || repo == nil || store == nil || strings.TrimSpace(cfg.Bucket) == "" {
		return nil
	}
	return &Service{
		logger: logger,
		repo:   repo,
		store:  store,
		cfg:    cfg,
		audit:  audit,
		now:    time.Now,
	}
}

// ObjectKey is the content-addressed location of a snapshot's raw bytes.
func ObjectKey(contentSHA256 string) string {
	return "snapshots/" + contentSHA256 + ".csv"
}

// Ingest profiles and registers one dataset file. Re-ingesting identical
// content is a no-op that returns the existing snapshot with created=false.
func (s *Service) Ingest(ctx context.Context, name, sourceURI string, r io.Reader, actor string) (domain.DatasetSnapshot, bool, error) {
	if s == nil {
		return domain.DatasetSnapshot{}, false, fmt.Errorf("snapshot service not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.DatasetSnapshot{}, false, fmt.Errorf("snapshot name is required")
	}
	if r == nil {
		return domain.DatasetSnapshot{}, false, fmt.Errorf("reader is required")
	}

	var raw bytes.Buffer
	result, err := profile.CSV(io.TeeReader(r, &raw), profile.Options{
		NullTokens:   s.cfg.NullTokens,
		TrackColumns: s.cfg.RequiredColumns,
	})
	if err != nil {
		return domain.DatasetSnapshot{}, false, &domain.ValidationFailure{
			Violations: []string{"malformed_csv: " + err.Error()},
		}
	}

	capturedAt := s.now().UTC()
	snapshot := domain.DatasetSnapshot{
		ID:                uuid.NewString(),
		Name:              name,
		ContentSHA256:     result.ContentSHA256,
		SourceURI:         strings.TrimSpace(sourceURI),
		RowCount:          result.RowCount,
		Columns:           result.Columns,
		NullFractions:     result.NullFractions,
		SchemaFingerprint: result.SchemaFingerprint,
		CapturedAt:        capturedAt,
	}
	if snapshot.SourceURI == "" {
		snapshot.SourceURI = ObjectKey(result.ContentSHA256)
	}
	integrity, err := snapshotIntegrity(snapshot)
	if err != nil {
		return domain.DatasetSnapshot{}, false, err
	}
	snapshot.IntegritySHA256 = integrity

	created, err := s.repo.CreateSnapshot(ctx, snapshot)
	if err != nil {
		return domain.DatasetSnapshot{}, false, fmt.Errorf("register snapshot: %w", err)
	}
	if !created {
		existing, err := s.repo.GetSnapshotByContent(ctx, result.ContentSHA256)
		if err != nil {
			return domain.DatasetSnapshot{}, false, fmt.Errorf("load existing snapshot: %w", err)
		}
		s.logger.Info("snapshot already ingested",
			"snapshot_id", existing.ID,
			"content_sha256", existing.ContentSHA256,
		)
		return existing, false, nil
	}

	key := ObjectKey(result.ContentSHA256)
	if _, err := s.store.Put(ctx, s.cfg.Bucket, key, &raw, int64(raw.Len()), "text/csv"); err != nil {
		return domain.DatasetSnapshot{}, false, fmt.Errorf("store snapshot bytes: %w", err)
	}

	s.logger.Info("snapshot ingested",
		"snapshot_id", snapshot.ID,
		"name", name,
		"content_sha256", snapshot.ContentSHA256,
		"row_count", snapshot.RowCount,
	)
	if s.audit != nil {
		s.audit(ctx, auditlog.Event{
			OccurredAt:   capturedAt,
			Actor:        actorOrSystem(actor),
			Action:       auditlog.ActionSnapshotIngested,
			ResourceType: "dataset_snapshot",
			ResourceID:   snapshot.ID,
			Payload: map[string]any{
				"content_sha256": snapshot.ContentSHA256,
				"row_count":      snapshot.RowCount,
			},
		})
	}
	return snapshot, true, nil
}

// Latest returns the newest snapshot registered under the dataset name.
func (s *Service) Latest(ctx context.Context, name string) (domain.DatasetSnapshot, error) {
	if s == nil {
		return domain.DatasetSnapshot{}, fmt.Errorf("snapshot service not initialized")
	}
	return s.repo.LatestSnapshot(ctx, strings.TrimSpace(name))
}

func snapshotIntegrity(snapshot domain.DatasetSnapshot) (string, error) {
	type integrityInput struct {
		ID                string             `json:"id"`
		Name              string             `json:"name"`
		ContentSHA256     string             `json:"content_sha256"`
		SourceURI         string             `json:"source_uri"`
		RowCount          int64              `json:"row_count"`
		Columns           []string           `json:"columns"`
		NullFractions     map[string]float64 `json:"null_fractions"`
		SchemaFingerprint string             `json:"schema_fingerprint"`
		CapturedAt        time.Time          `json:"captured_at"`
	}
	return domain.IntegritySHA256(integrityInput{
		ID:                snapshot.ID,
		Name:              snapshot.Name,
		ContentSHA256:     snapshot.ContentSHA256,
		SourceURI:         snapshot.SourceURI,
		RowCount:          snapshot.RowCount,
		Columns:           snapshot.Columns,
		NullFractions:     snapshot.NullFractions,
		SchemaFingerprint: snapshot.SchemaFingerprint,
		CapturedAt:        snapshot.CapturedAt,
	})
}

func actorOrSystem(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "system"
	}
	return actor
}

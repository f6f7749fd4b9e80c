// Package artifacts persists trained model artifacts: bytes in the models
// bucket, the registry row in Postgres. Artifacts referenced by the current
// pointer or its predecessor are never deleted; rollback depends on them.
package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/storage"
	"github.com/readmit-labs/readmit-go/internal/train"
)

type Repository interface {
	CreateArtifact(ctx context.Context, artifact domain.ModelArtifact) error
	GetArtifact(ctx context.Context, id string) (domain.ModelArtifact, error)
	GetArtifactByRun(ctx context.Context, runID string) (domain.ModelArtifact, error)
}

type Service struct {
	logger *slog.Logger
	repo   Repository
	store  storage.Store
	bucket string
	now    func() time.Time
}

func New(logger *slog.Logger, repo Repository, store storage.Store, bucket string) *Service {
	if logger == nil || repo == nil || store == nil || strings.TrimSpace(bucket) == "" {
		return nil
	}
	return &Service{
		logger: logger,
		repo:   repo,
		store:  store,
		bucket: strings.TrimSpace(bucket),
		now:    time.Now,
	}
}

// ObjectKey places artifact bytes under the owning run and content hash.
func ObjectKey(runID, sha256 string) string {
	return fmt.Sprintf("artifacts/%s/%s.bin", runID, sha256)
}

// SaveFromTraining stores the fit output and registers the artifact row.
func (s *Service) SaveFromTraining(ctx context.Context, runID string, result train.Result, hyperparams domain.Metadata) (domain.ModelArtifact, error) {
	if s == nil {
		return domain.ModelArtifact{}, fmt.Errorf("artifact service not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.ModelArtifact{}, fmt.Errorf("run id is required")
	}
	if len(result.ArtifactBytes) == 0 {
		return domain.ModelArtifact{}, fmt.Errorf("artifact bytes are required")
	}
	if strings.TrimSpace(result.ArtifactSHA256) == "" {
		return domain.ModelArtifact{}, fmt.Errorf("artifact sha256 is required")
	}

	key := ObjectKey(runID, result.ArtifactSHA256)
	if _, err := s.store.Put(ctx, s.bucket, key, bytes.NewReader(result.ArtifactBytes), int64(len(result.ArtifactBytes)), "application/octet-stream"); err != nil {
		return domain.ModelArtifact{}, fmt.Errorf("store artifact bytes: %w", err)
	}

	artifact := domain.ModelArtifact{
		ID:                uuid.NewString(),
		RunID:             runID,
		ObjectKey:         key,
		SHA256:            result.ArtifactSHA256,
		SizeBytes:         int64(len(result.ArtifactBytes)),
		SchemaFingerprint: result.SchemaFingerprint,
		Hyperparams:       hyperparams,
		CreatedAt:         s.now().UTC(),
	}
	integrity, err := artifactIntegrity(artifact)
	if err != nil {
		return domain.ModelArtifact{}, err
	}
	artifact.IntegritySHA256 = integrity

	if err := s.repo.CreateArtifact(ctx, artifact); err != nil {
		return domain.ModelArtifact{}, fmt.Errorf("register artifact: %w", err)
	}

	s.logger.Info("artifact stored",
		"artifact_id", artifact.ID,
		"run_id", runID,
		"object_key", key,
		"size_bytes", artifact.SizeBytes,
	)
	return artifact, nil
}

// Get loads the artifact row.
func (s *Service) Get(ctx context.Context, id string) (domain.ModelArtifact, error) {
	if s == nil {
		return domain.ModelArtifact{}, fmt.Errorf("artifact service not initialized")
	}
	return s.repo.GetArtifact(ctx, id)
}

// PresignDownload returns a short-lived download URL for operators.
func (s *Service) PresignDownload(ctx context.Context, id string, expiry time.Duration) (string, error) {
	if s == nil {
		return "", fmt.Errorf("artifact service not initialized")
	}
	artifact, err := s.repo.GetArtifact(ctx, id)
	if err != nil {
		return "", err
	}
	return s.store.PresignGet(ctx, s.bucket, artifact.ObjectKey, expiry)
}

func artifactIntegrity(artifact domain.ModelArtifact) (string, error) {
	type integrityInput struct {
		ID                string          `json:"id"`
		RunID             string          `json:"run_id"`
		ObjectKey         string          `json:"object_key"`
		SHA256            string          `json:"sha256"`
		SizeBytes         int64           `json:"size_bytes"`
		SchemaFingerprint string          `json:"schema_fingerprint"`
		Hyperparams       domain.Metadata `json:"hyperparams"`
		CreatedAt         time.Time       `json:"created_at"`
	}
	return domain.IntegritySHA256(integrityInput{
		ID:                artifact.ID,
		RunID:             artifact.RunID,
		ObjectKey:         artifact.ObjectKey,
		SHA256:            artifact.SHA256,
		SizeBytes:         artifact.SizeBytes,
		SchemaFingerprint: artifact.SchemaFingerprint,
		Hyperparams:       artifact.Hyperparams,
		CreatedAt:         artifact.CreatedAt,
	})
}

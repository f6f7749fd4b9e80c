package domain

import (
	"errors"
	"strings"
	"time"
)

// ModelArtifact is a trained model owned by the run that produced it until
// promotion transfers serving ownership to the current-model pointer.
type ModelArtifact struct {
	ID                string
	RunID             string
	ObjectKey         string
	SHA256            string
	SizeBytes         int64
	SchemaFingerprint string
	Hyperparams       Metadata
	CreatedAt         time.Time
	IntegritySHA256   string
}

func (a ModelArtifact) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("artifact id is required")
	}
	if strings.TrimSpace(a.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(a.ObjectKey) == "" {
		return errors.New("object key is required")
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return errors.New("artifact sha256 is required")
	}
	if a.SizeBytes < 0 {
		return errors.New("size bytes must be >= 0")
	}
	if strings.TrimSpace(a.SchemaFingerprint) == "" {
		return errors.New("schema fingerprint is required")
	}
	return nil
}

// EvaluationResult holds the holdout metrics for one training run.
type EvaluationResult struct {
	RunID       string
	ROCAUC      float64
	PRAUC       float64
	SampleSize  int
	EvaluatedAt time.Time
}

func (r EvaluationResult) MetricsMap() map[string]float64 {
	return map[string]float64{
		"roc_auc": r.ROCAUC,
		"pr_auc":  r.PRAUC,
	}
}

// Package train holds the controller-facing trainer contract. The fitting
// algorithm itself is an external collaborator; the controller only depends
// on this interface and treats a failure as terminal for the run.
package train

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/readmit-labs/readmit-go/internal/evaluate"
)

// Request carries everything a training worker needs to fit one candidate.
type Request struct {
	RunID             string         `json:"run_id"`
	SnapshotObjectKey string         `json:"snapshot_object_key"`
	SnapshotSHA256    string         `json:"snapshot_sha256"`
	SchemaFingerprint string         `json:"schema_fingerprint"`
	LabelColumn       string         `json:"label_column"`
	PositiveLabel     string         `json:"positive_label"`
	HoldoutFraction   float64        `json:"holdout_fraction"`
	Seed              int64          `json:"seed"`
	Hyperparams       map[string]any `json:"hyperparams"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.SnapshotObjectKey) == "" {
		return errors.New("snapshot object key is required")
	}
	if strings.TrimSpace(r.SnapshotSHA256) == "" {
		return errors.New("snapshot sha256 is required")
	}
	if strings.TrimSpace(r.SchemaFingerprint) == "" {
		return errors.New("schema fingerprint is required")
	}
	if r.HoldoutFraction <= 0 || r.HoldoutFraction >= 1 {
		return errors.New("holdout fraction must be within (0, 1)")
	}
	return nil
}

// Result is the uniform fit outcome: the serialized artifact, the schema
// fingerprints, and the scored holdout pairs the evaluator consumes.
type Result struct {
	ArtifactBytes      []byte
	ArtifactSHA256     string
	SchemaFingerprint  string
	HoldoutFingerprint string
	HoldoutPairs       []evaluate.ScoredLabel
	Diagnostics        map[string]any
	Duration           time.Duration
}

type Trainer interface {
	Train(ctx context.Context, req Request) (Result, error)
	Kind() string
}

// Package dryrun is a deterministic stand-in trainer for the dev profile and
// end-to-end tests. It fabricates an artifact and a holdout whose ROC-AUC is
// exactly the configured target, without touching the dataset.
package dryrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/evaluate"
	"github.com/readmit-labs/readmit-go/internal/train"
)

const artifactSchemaV1 = "readmit.dryrun_artifact.v1"

type Trainer struct {
	// TargetROCAUC is the exact ROC-AUC of the fabricated holdout.
	TargetROCAUC float64
	// HoldoutPositives is the number of positive holdout examples; an equal
	// number of negatives is generated. Granularity of the achievable AUC
	// is 1/HoldoutPositives.
	HoldoutPositives int

	now func() time.Time
}

func New(targetROCAUC float64) *Trainer {
	return &Trainer{
		TargetROCAUC:     targetROCAUC,
		HoldoutPositives: 100,
		now:              time.Now,
	}
}

func (t *Trainer) Kind() string { return "dryrun" }

func (t *Trainer) Train(ctx context.Context, req train.Request) (train.Result, error) {
	start := t.clock()()
	if err := req.Validate(); err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "malformed request", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "canceled", Err: err}
	}
	if t.TargetROCAUC < 0 || t.TargetROCAUC > 1 {
		return train.Result{}, &domain.TrainingError{Reason: fmt.Sprintf("target roc_auc out of range: %v", t.TargetROCAUC)}
	}

	artifact, err := json.Marshal(map[string]any{
		"schema":             artifactSchemaV1,
		"snapshot_sha256":    req.SnapshotSHA256,
		"schema_fingerprint": req.SchemaFingerprint,
		"hyperparams":        req.Hyperparams,
		"seed":               req.Seed,
		"target_roc_auc":     t.TargetROCAUC,
	})
	if err != nil {
		return train.Result{}, &domain.TrainingError{Reason: "encode artifact", Err: err}
	}
	sum := sha256.Sum256(artifact)

	return train.Result{
		ArtifactBytes:      artifact,
		ArtifactSHA256:     hex.EncodeToString(sum[:]),
		SchemaFingerprint:  req.SchemaFingerprint,
		HoldoutFingerprint: req.SchemaFingerprint,
		HoldoutPairs:       t.holdout(),
		Diagnostics: map[string]any{
			"dry_run":        true,
			"target_roc_auc": t.TargetROCAUC,
		},
		Duration: t.clock()().Sub(start),
	}, nil
}

// holdout builds a two-block ranking: a fraction target of the positives
// scores above every negative and the rest below every negative, which gives
// ROC-AUC exactly equal to target.
func (t *Trainer) holdout() []evaluate.ScoredLabel {
	n := t.HoldoutPositives
	if n <= 0 {
		n = 100
	}
	high := int(t.TargetROCAUC*float64(n) + 0.5)

	pairs := make([]evaluate.ScoredLabel, 0, 2*n)
	for i := 0; i < n; i++ {
		score := 0.1
		if i < high {
			score = 0.9
		}
		pairs = append(pairs, evaluate.ScoredLabel{Score: score, Label: 1})
	}
	for i := 0; i < n; i++ {
		pairs = append(pairs, evaluate.ScoredLabel{Score: 0.5, Label: 0})
	}
	return pairs
}

func (t *Trainer) clock() func() time.Time {
	if t.now != nil {
		return t.now
	}
	return time.Now
}

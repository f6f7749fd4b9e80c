package dryrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/evaluate"
	"github.com/readmit-labs/readmit-go/internal/train"
)

func request() train.Request {
	return train.Request{
		RunID:             "run-1",
		SnapshotObjectKey: "snapshots/abc.csv",
		SnapshotSHA256:    "abc",
		SchemaFingerprint: "fp",
		LabelColumn:       "readmitted",
		PositiveLabel:     "<30",
		HoldoutFraction:   0.2,
		Seed:              42,
	}
}

func TestTrainProducesExactTargetAUC(t *testing.T) {
	for _, target := range []float64{0.65, 0.7, 0.75, 1.0} {
		trainer := New(target)
		result, err := trainer.Train(context.Background(), request())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		eval, err := evaluate.Evaluate(evaluate.Input{
			RunID:              "run-1",
			TrainedFingerprint: result.SchemaFingerprint,
			HoldoutFingerprint: result.HoldoutFingerprint,
			Pairs:              result.HoldoutPairs,
		}, time.Now())
		if err != nil {
			t.Fatalf("unexpected evaluate error: %v", err)
		}
		if diff := eval.ROCAUC - target; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("roc_auc = %v, want exactly %v", eval.ROCAUC, target)
		}
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	trainer := New(0.75)
	first, err := trainer.Train(context.Background(), request())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := trainer.Train(context.Background(), request())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ArtifactSHA256 != second.ArtifactSHA256 {
		t.Fatal("artifact hash must be deterministic for identical inputs")
	}
	if string(first.ArtifactBytes) != string(second.ArtifactBytes) {
		t.Fatal("artifact bytes must be deterministic for identical inputs")
	}
}

func TestTrainRejectsMalformedRequest(t *testing.T) {
	trainer := New(0.75)
	bad := request()
	bad.SchemaFingerprint = ""
	_, err := trainer.Train(context.Background(), bad)
	var trainErr *domain.TrainingError
	if !errors.As(err, &trainErr) {
		t.Fatalf("expected TrainingError, got %v", err)
	}
}

func TestTrainHonorsCanceledContext(t *testing.T) {
	trainer := New(0.75)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := trainer.Train(ctx, request())
	var trainErr *domain.TrainingError
	if !errors.As(err, &trainErr) {
		t.Fatalf("expected TrainingError, got %v", err)
	}
}

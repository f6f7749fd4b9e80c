package repo

import (
	"context"
	"errors"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

type SnapshotFilter struct {
	Name  string
	Limit int
}

type RunFilter struct {
	Status         domain.RunStatus
	SnapshotSHA256 string
	Limit          int
}

type PromotionFilter struct {
	ModelName string
	Limit     int
}

// SnapshotRepository manages immutable, content-addressed dataset snapshots.
type SnapshotRepository interface {
	// CreateSnapshot inserts the snapshot, or reports inserted=false when the
	// same content hash was already ingested.
	CreateSnapshot(ctx context.Context, snapshot domain.DatasetSnapshot) (bool, error)
	GetSnapshot(ctx context.Context, id string) (domain.DatasetSnapshot, error)
	GetSnapshotByContent(ctx context.Context, contentSHA256 string) (domain.DatasetSnapshot, error)
	LatestSnapshot(ctx context.Context, name string) (domain.DatasetSnapshot, error)
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]domain.DatasetSnapshot, error)
}

// RunRepository manages training run state with immutable identity.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.TrainingRun) error
	GetRun(ctx context.Context, id string) (domain.TrainingRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.TrainingRun, error)
	// ListNonTerminalRuns returns runs left pending or running, for startup
	// reconciliation after a crash.
	ListNonTerminalRuns(ctx context.Context) ([]domain.TrainingRun, error)
	UpdateRunStage(ctx context.Context, id string, stage domain.RunStage) error
	FinalizeRun(ctx context.Context, id string, outcome domain.Outcome, metrics domain.Metadata, endedAt time.Time) error
	// FindCompletedAttempt returns the most recent run for the given input
	// identity that reached a terminal status other than interruption.
	FindCompletedAttempt(ctx context.Context, snapshotSHA256, codeVersion string) (domain.TrainingRun, error)
	// LatestCompletedRun returns the newest completed run regardless of input
	// identity, used to recover the previously observed snapshot hash.
	LatestCompletedRun(ctx context.Context) (domain.TrainingRun, error)
}

// LedgerRepository ensures append-only, once-per-run ledger writes.
type LedgerRepository interface {
	// Append records the entry, or reports inserted=false when the run id was
	// already recorded.
	Append(ctx context.Context, entry domain.RunLedgerEntry) (bool, error)
	GetEntry(ctx context.Context, runID string) (domain.RunLedgerEntry, error)
	ListEntries(ctx context.Context, limit int) ([]domain.RunLedgerEntry, error)
}

// ArtifactRepository manages trained model artifacts.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, artifact domain.ModelArtifact) error
	GetArtifact(ctx context.Context, id string) (domain.ModelArtifact, error)
	GetArtifactByRun(ctx context.Context, runID string) (domain.ModelArtifact, error)
	ListArtifacts(ctx context.Context, limit int) ([]domain.ModelArtifact, error)
}

// PointerRepository manages the single current-model pointer per model name.
type PointerRepository interface {
	Get(ctx context.Context, name string) (domain.ModelPointer, error)
	// Swap installs the pointer through a compare-and-swap on its version:
	// version 1 inserts a fresh pointer, version N replaces version N-1.
	// A lost race surfaces as domain.ErrPromotionConflict.
	Swap(ctx context.Context, pointer domain.ModelPointer) error
	AppendHistory(ctx context.Context, record domain.PromotionRecord) error
	ListHistory(ctx context.Context, filter PromotionFilter) ([]domain.PromotionRecord, error)
}

// StageEventAppender ensures append-only stage transition writes.
type StageEventAppender interface {
	// Append records the event, or reports inserted=false when the run already
	// entered the stage.
	Append(ctx context.Context, event domain.RunStageEvent) (bool, error)
	ListByRun(ctx context.Context, runID string) ([]domain.RunStageEvent, error)
}

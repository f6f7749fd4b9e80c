package promotion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/repo"
)

const ReportSchemaV1 = "readmit.run_report.v1"

// Report is the audit bundle for one run: everything an operator needs to
// reconstruct why the pipeline did what it did, hashed for tamper evidence.
type Report struct {
	Schema          string                 `json:"schema"`
	GeneratedAt     time.Time              `json:"generated_at"`
	Run             reportRun              `json:"run"`
	Ledger          *reportLedger          `json:"ledger,omitempty"`
	StageEvents     []reportStageEvent     `json:"stage_events"`
	Artifact        *reportArtifact        `json:"artifact,omitempty"`
	IntegritySHA256 string                 `json:"integrity_sha256"`
}

type reportRun struct {
	ID             string          `json:"id"`
	SnapshotID     string          `json:"snapshot_id"`
	SnapshotSHA256 string          `json:"snapshot_sha256"`
	CodeVersion    string          `json:"code_version"`
	Trigger        string          `json:"trigger"`
	Forced         bool            `json:"forced"`
	Status         string          `json:"status"`
	FailureStage   string          `json:"failure_stage,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Metrics        domain.Metadata `json:"metrics"`
	ArtifactID     string          `json:"artifact_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

type reportLedger struct {
	LedgerID       string    `json:"ledger_id"`
	SnapshotSHA256 string    `json:"snapshot_sha256"`
	CodeVersion    string    `json:"code_version"`
	Forced         bool      `json:"forced"`
	Trigger        string    `json:"trigger"`
	DecisionReason string    `json:"decision_reason"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type reportStageEvent struct {
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	ObservedAt time.Time       `json:"observed_at"`
	Details    domain.Metadata `json:"details,omitempty"`
}

type reportArtifact struct {
	ID                string `json:"id"`
	ObjectKey         string `json:"object_key"`
	SHA256            string `json:"sha256"`
	SizeBytes         int64  `json:"size_bytes"`
	SchemaFingerprint string `json:"schema_fingerprint"`
}

// BuildReport assembles the run report from its persisted pieces.
func (c *Controller) BuildReport(ctx context.Context, runID string) (Report, error) {
	if c == nil {
		return Report{}, fmt.Errorf("promotion controller not initialized")
	}
	run, err := c.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		Schema:      ReportSchemaV1,
		GeneratedAt: c.now().UTC(),
		Run: reportRun{
			ID:             run.ID,
			SnapshotID:     run.SnapshotID,
			SnapshotSHA256: run.SnapshotSHA256,
			CodeVersion:    run.CodeVersion,
			Trigger:        run.Trigger,
			Forced:         run.Forced,
			Status:         string(run.Status),
			FailureStage:   string(run.FailureStage),
			FailureReason:  run.FailureReason,
			Metrics:        run.Metrics,
			ArtifactID:     run.ArtifactID,
			StartedAt:      run.StartedAt,
			EndedAt:        run.EndedAt,
		},
		StageEvents: []reportStageEvent{},
	}

	entry, err := c.deps.Ledger.GetEntry(ctx, runID)
	switch {
	case err == nil:
		report.Ledger = &reportLedger{
			LedgerID:       entry.LedgerID,
			SnapshotSHA256: entry.SnapshotSHA256,
			CodeVersion:    entry.CodeVersion,
			Forced:         entry.Forced,
			Trigger:        entry.Trigger,
			DecisionReason: entry.DecisionReason,
			RecordedAt:     entry.RecordedAt,
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return Report{}, fmt.Errorf("load ledger entry: %w", err)
	}

	events, err := c.deps.StageEvents.ListByRun(ctx, runID)
	if err != nil {
		return Report{}, fmt.Errorf("load stage events: %w", err)
	}
	for _, event := range events {
		report.StageEvents = append(report.StageEvents, reportStageEvent{
			Stage:      string(event.Stage),
			Status:     event.Status,
			ObservedAt: event.ObservedAt,
			Details:    event.Details,
		})
	}

	if run.ArtifactID != "" {
		artifact, err := c.deps.Artifacts.Get(ctx, run.ArtifactID)
		switch {
		case err == nil:
			report.Artifact = &reportArtifact{
				ID:                artifact.ID,
				ObjectKey:         artifact.ObjectKey,
				SHA256:            artifact.SHA256,
				SizeBytes:         artifact.SizeBytes,
				SchemaFingerprint: artifact.SchemaFingerprint,
			}
		case errors.Is(err, repo.ErrNotFound):
		default:
			return Report{}, fmt.Errorf("load artifact: %w", err)
		}
	}

	integrity, err := domain.IntegritySHA256(report)
	if err != nil {
		return Report{}, err
	}
	report.IntegritySHA256 = integrity
	return report, nil
}

func reportObjectKey(runID string) string {
	return "reports/" + runID + ".json"
}

// persistReport writes the terminal report bundle to the reports bucket.
func (c *Controller) persistReport(ctx context.Context, runID string) error {
	report, err := c.BuildReport(ctx, runID)
	if err != nil {
		return err
	}
	blob, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = c.deps.Store.Put(ctx, c.cfg.ReportsBucket, reportObjectKey(runID), bytes.NewReader(blob), int64(len(blob)), "application/json")
	return err
}

package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle status of a training run. Terminal statuses are
// skipped, promoted, and failed; a run reaches exactly one of them.
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusSkipped  RunStatus = "skipped"
	RunStatusPromoted RunStatus = "promoted"
	RunStatusFailed   RunStatus = "failed"
)

func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSkipped, RunStatusPromoted, RunStatusFailed:
		return true
	default:
		return false
	}
}

func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSkipped, RunStatusPromoted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// RunStage names the pipeline stage a run is in. Stages advance strictly
// forward; the transition table below is the only legal ordering.
type RunStage string

const (
	StageDetecting  RunStage = "detecting"
	StageValidating RunStage = "validating"
	StageTraining   RunStage = "training"
	StageEvaluating RunStage = "evaluating"
	StageGating     RunStage = "gating"
	StagePromoting  RunStage = "promoting"
)

func (s RunStage) Valid() bool {
	switch s {
	case StageDetecting, StageValidating, StageTraining, StageEvaluating, StageGating, StagePromoting:
		return true
	default:
		return false
	}
}

var stageTransitions = map[RunStage][]RunStage{
	StageDetecting:  {StageValidating},
	StageValidating: {StageTraining},
	StageTraining:   {StageEvaluating},
	StageEvaluating: {StageGating},
	StageGating:     {StagePromoting},
	StagePromoting:  {},
}

// CanAdvance returns true when moving from one stage to the next is allowed.
func CanAdvance(from, to RunStage) bool {
	allowed, ok := stageTransitions[from]
	if !ok {
		return false
	}
	for _, candidate := range allowed {
		if candidate == to {
			return true
		}
	}
	return false
}

// ValidateStageTransition ensures a stage advance is legal. A violation is a
// controller programming error, not an expected runtime condition.
func ValidateStageTransition(from, to RunStage) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid run stage transition")
	}
	if !CanAdvance(from, to) {
		return fmt.Errorf("run stage transition %q -> %q not allowed", from, to)
	}
	return nil
}

// TrainingRun is a single pipeline invocation that passed change detection.
// Mutated only by the controller that owns it; finalized exactly once.
type TrainingRun struct {
	ID              string
	SnapshotID      string
	SnapshotSHA256  string
	CodeVersion     string
	Trigger         string
	Forced          bool
	Status          RunStatus
	Stage           RunStage
	FailureStage    RunStage
	FailureReason   string
	Hyperparams     Metadata
	Metrics         Metadata
	ArtifactID      string
	StartedAt       time.Time
	EndedAt         *time.Time
	IntegritySHA256 string
}

func (r TrainingRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.SnapshotID) == "" {
		return errors.New("snapshot id is required")
	}
	if strings.TrimSpace(r.SnapshotSHA256) == "" {
		return errors.New("snapshot sha256 is required")
	}
	if strings.TrimSpace(r.CodeVersion) == "" {
		return errors.New("code version is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid run status: %q", r.Status)
	}
	if strings.TrimSpace(r.IntegritySHA256) == "" {
		return errors.New("integrity sha256 is required")
	}
	return nil
}

// Completed reports whether the run counts as a completed attempt for the
// idempotence check. Interrupted runs were never finished and do not count.
func (r TrainingRun) Completed() bool {
	if !r.Status.Terminal() {
		return false
	}
	return r.FailureReason != FailureReasonInterrupted
}

const FailureReasonInterrupted = "interrupted"

// Outcome is the tagged terminal result of a pipeline invocation.
type Outcome struct {
	RunID      string
	Status     RunStatus
	Stage      RunStage
	Reason     string
	Version    int64
	ArtifactID string
}

func SkippedOutcome(runID, reason string) Outcome {
	return Outcome{RunID: runID, Status: RunStatusSkipped, Reason: reason}
}

func PromotedOutcome(runID string, version int64, artifactID string) Outcome {
	return Outcome{RunID: runID, Status: RunStatusPromoted, Version: version, ArtifactID: artifactID}
}

func FailedOutcome(runID string, stage RunStage, reason string) Outcome {
	return Outcome{RunID: runID, Status: RunStatusFailed, Stage: stage, Reason: reason}
}

// RunStageEvent is one append-only record of a run entering or leaving a stage.
type RunStageEvent struct {
	ID              string
	RunID           string
	Stage           RunStage
	Status          string
	ObservedAt      time.Time
	Details         Metadata
	IntegritySHA256 string
}

// RunLedgerEntry is the append-only audit record for a pipeline invocation,
// written once per run id. It is the source of truth for idempotence.
type RunLedgerEntry struct {
	LedgerID        string
	RunID           string
	SnapshotID      string
	SnapshotSHA256  string
	CodeVersion     string
	Forced          bool
	Trigger         string
	DecisionReason  string
	RecordedAt      time.Time
	IntegritySHA256 string
}

func (e RunLedgerEntry) Validate() error {
	if strings.TrimSpace(e.LedgerID) == "" {
		return errors.New("ledger id is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(e.SnapshotSHA256) == "" {
		return errors.New("snapshot sha256 is required")
	}
	if strings.TrimSpace(e.CodeVersion) == "" {
		return errors.New("code version is required")
	}
	if strings.TrimSpace(e.IntegritySHA256) == "" {
		return errors.New("integrity sha256 is required")
	}
	return nil
}

package domain

import "testing"

func TestStageTransitions(t *testing.T) {
	allowed := []struct {
		from RunStage
		to   RunStage
	}{
		{StageDetecting, StageValidating},
		{StageValidating, StageTraining},
		{StageTraining, StageEvaluating},
		{StageEvaluating, StageGating},
		{StageGating, StagePromoting},
	}
	for _, tc := range allowed {
		if !CanAdvance(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
		if err := ValidateStageTransition(tc.from, tc.to); err != nil {
			t.Errorf("unexpected error for %s -> %s: %v", tc.from, tc.to, err)
		}
	}

	denied := []struct {
		from RunStage
		to   RunStage
	}{
		{StageDetecting, StageTraining},
		{StageValidating, StageDetecting},
		{StageTraining, StagePromoting},
		{StagePromoting, StageDetecting},
		{StageGating, StageGating},
	}
	for _, tc := range denied {
		if CanAdvance(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be denied", tc.from, tc.to)
		}
		if err := ValidateStageTransition(tc.from, tc.to); err == nil {
			t.Errorf("expected error for %s -> %s", tc.from, tc.to)
		}
	}
}

func TestValidateStageTransitionRejectsUnknownStages(t *testing.T) {
	if err := ValidateStageTransition("bogus", StageValidating); err == nil {
		t.Fatal("expected error for unknown from stage")
	}
	if err := ValidateStageTransition(StageDetecting, "bogus"); err == nil {
		t.Fatal("expected error for unknown to stage")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusSkipped, RunStatusPromoted, RunStatusFailed}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	for _, status := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if status.Terminal() {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
}

func TestRunCompleted(t *testing.T) {
	run := TrainingRun{Status: RunStatusFailed, FailureReason: "gate_rejected"}
	if !run.Completed() {
		t.Fatal("terminal failed run should count as completed attempt")
	}

	interrupted := TrainingRun{Status: RunStatusFailed, FailureReason: FailureReasonInterrupted}
	if interrupted.Completed() {
		t.Fatal("interrupted run must not count as completed attempt")
	}

	running := TrainingRun{Status: RunStatusRunning}
	if running.Completed() {
		t.Fatal("non-terminal run must not count as completed attempt")
	}
}

func TestTrainingRunValidate(t *testing.T) {
	run := TrainingRun{
		ID:              "run-1",
		SnapshotID:      "snap-1",
		SnapshotSHA256:  "abc",
		CodeVersion:     "v1",
		Status:          RunStatusPending,
		IntegritySHA256: "deadbeef",
	}
	if err := run.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := run
	missing.SnapshotSHA256 = ""
	if err := missing.Validate(); err == nil {
		t.Fatal("expected error for missing snapshot sha256")
	}

	badStatus := run
	badStatus.Status = "exploded"
	if err := badStatus.Validate(); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

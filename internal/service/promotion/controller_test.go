package promotion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/readmit-labs/readmit-go/internal/config"
	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/gate"
	"github.com/readmit-labs/readmit-go/internal/platform/auditlog"
	"github.com/readmit-labs/readmit-go/internal/repo"
	"github.com/readmit-labs/readmit-go/internal/service/artifacts"
	"github.com/readmit-labs/readmit-go/internal/storage"
	"github.com/readmit-labs/readmit-go/internal/train"
	"github.com/readmit-labs/readmit-go/internal/train/dryrun"
)

// fakeStore backs every repository interface in memory.
type fakeStore struct {
	mu         sync.Mutex
	snapshots  map[string]domain.DatasetSnapshot
	latestSnap string
	runs       map[string]domain.TrainingRun
	runOrder   []string
	ledger     map[string]domain.RunLedgerEntry
	artifacts  map[string]domain.ModelArtifact
	pointers   map[string]domain.ModelPointer
	history    []domain.PromotionRecord
	events     map[string][]domain.RunStageEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: make(map[string]domain.DatasetSnapshot),
		runs:      make(map[string]domain.TrainingRun),
		ledger:    make(map[string]domain.RunLedgerEntry),
		artifacts: make(map[string]domain.ModelArtifact),
		pointers:  make(map[string]domain.ModelPointer),
		events:    make(map[string][]domain.RunStageEvent),
	}
}

func (f *fakeStore) setLatestSnapshot(snapshot domain.DatasetSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snapshot.ContentSHA256] = snapshot
	f.latestSnap = snapshot.ContentSHA256
}

func (f *fakeStore) CreateSnapshot(_ context.Context, snapshot domain.DatasetSnapshot) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snapshots[snapshot.ContentSHA256]; ok {
		return false, nil
	}
	f.snapshots[snapshot.ContentSHA256] = snapshot
	f.latestSnap = snapshot.ContentSHA256
	return true, nil
}

func (f *fakeStore) GetSnapshot(_ context.Context, id string) (domain.DatasetSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snapshot := range f.snapshots {
		if snapshot.ID == id {
			return snapshot, nil
		}
	}
	return domain.DatasetSnapshot{}, repo.ErrNotFound
}

func (f *fakeStore) GetSnapshotByContent(_ context.Context, sha string) (domain.DatasetSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[sha]
	if !ok {
		return domain.DatasetSnapshot{}, repo.ErrNotFound
	}
	return snapshot, nil
}

func (f *fakeStore) LatestSnapshot(_ context.Context, _ string) (domain.DatasetSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestSnap == "" {
		return domain.DatasetSnapshot{}, repo.ErrNotFound
	}
	return f.snapshots[f.latestSnap], nil
}

func (f *fakeStore) ListSnapshots(_ context.Context, _ repo.SnapshotFilter) ([]domain.DatasetSnapshot, error) {
	return nil, nil
}

func (f *fakeStore) CreateRun(_ context.Context, run domain.TrainingRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	f.runOrder = append(f.runOrder, run.ID)
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (domain.TrainingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return domain.TrainingRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) ListRuns(_ context.Context, _ repo.RunFilter) ([]domain.TrainingRun, error) {
	return nil, nil
}

func (f *fakeStore) ListNonTerminalRuns(_ context.Context) ([]domain.TrainingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TrainingRun, 0)
	for _, id := range f.runOrder {
		if !f.runs[id].Status.Terminal() {
			out = append(out, f.runs[id])
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRunStage(_ context.Context, id string, stage domain.RunStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.Stage = stage
	run.Status = domain.RunStatusRunning
	f.runs[id] = run
	return nil
}

func (f *fakeStore) FinalizeRun(_ context.Context, id string, outcome domain.Outcome, metrics domain.Metadata, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	if run.Status.Terminal() {
		return repo.ErrConflict
	}
	run.Status = outcome.Status
	run.FailureStage = outcome.Stage
	run.FailureReason = outcome.Reason
	run.Metrics = metrics
	run.ArtifactID = outcome.ArtifactID
	ended := endedAt.UTC()
	run.EndedAt = &ended
	f.runs[id] = run
	return nil
}

func (f *fakeStore) FindCompletedAttempt(_ context.Context, sha, codeVersion string) (domain.TrainingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.runOrder) - 1; i >= 0; i-- {
		run := f.runs[f.runOrder[i]]
		if run.SnapshotSHA256 == sha && run.CodeVersion == codeVersion && run.Completed() {
			return run, nil
		}
	}
	return domain.TrainingRun{}, repo.ErrNotFound
}

func (f *fakeStore) LatestCompletedRun(_ context.Context) (domain.TrainingRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.runOrder) - 1; i >= 0; i-- {
		if run := f.runs[f.runOrder[i]]; run.Completed() {
			return run, nil
		}
	}
	return domain.TrainingRun{}, repo.ErrNotFound
}

func (f *fakeStore) Append(_ context.Context, entry domain.RunLedgerEntry) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ledger[entry.RunID]; ok {
		return false, nil
	}
	f.ledger[entry.RunID] = entry
	return true, nil
}

func (f *fakeStore) GetEntry(_ context.Context, runID string) (domain.RunLedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.ledger[runID]
	if !ok {
		return domain.RunLedgerEntry{}, repo.ErrNotFound
	}
	return entry, nil
}

func (f *fakeStore) ListEntries(_ context.Context, _ int) ([]domain.RunLedgerEntry, error) {
	return nil, nil
}

func (f *fakeStore) CreateArtifact(_ context.Context, artifact domain.ModelArtifact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[artifact.ID] = artifact
	return nil
}

func (f *fakeStore) GetArtifact(_ context.Context, id string) (domain.ModelArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifact, ok := f.artifacts[id]
	if !ok {
		return domain.ModelArtifact{}, repo.ErrNotFound
	}
	return artifact, nil
}

func (f *fakeStore) GetArtifactByRun(_ context.Context, runID string) (domain.ModelArtifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, artifact := range f.artifacts {
		if artifact.RunID == runID {
			return artifact, nil
		}
	}
	return domain.ModelArtifact{}, repo.ErrNotFound
}

func (f *fakeStore) Get(_ context.Context, name string) (domain.ModelPointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pointer, ok := f.pointers[name]
	if !ok {
		return domain.ModelPointer{}, repo.ErrNotFound
	}
	return pointer, nil
}

func (f *fakeStore) Swap(_ context.Context, pointer domain.ModelPointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.pointers[pointer.Name]
	if pointer.Version == 1 {
		if ok {
			return domain.ErrPromotionConflict
		}
	} else if !ok || current.Version != pointer.Version-1 {
		return domain.ErrPromotionConflict
	}
	f.pointers[pointer.Name] = pointer
	return nil
}

func (f *fakeStore) AppendHistory(_ context.Context, record domain.PromotionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, record)
	return nil
}

func (f *fakeStore) ListHistory(_ context.Context, _ repo.PromotionFilter) ([]domain.PromotionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PromotionRecord, len(f.history))
	copy(out, f.history)
	return out, nil
}

func (f *fakeStore) appendStage(event domain.RunStageEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.events[event.RunID] {
		if existing.Stage == event.Stage {
			return false, nil
		}
	}
	f.events[event.RunID] = append(f.events[event.RunID], event)
	return true, nil
}

func (f *fakeStore) ListByRun(_ context.Context, runID string) ([]domain.RunStageEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.RunStageEvent, len(f.events[runID]))
	copy(out, f.events[runID])
	return out, nil
}

// stageEvents adapts fakeStore to the appender interface without colliding
// with the ledger Append method.
type stageEvents struct{ *fakeStore }

func (s stageEvents) Append(ctx context.Context, event domain.RunStageEvent) (bool, error) {
	return s.appendStage(event)
}

// countingTrainer wraps a trainer and counts invocations.
type countingTrainer struct {
	mu    sync.Mutex
	inner train.Trainer
	calls int
}

func (t *countingTrainer) Train(ctx context.Context, req train.Request) (train.Result, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return t.inner.Train(ctx, req)
}

func (t *countingTrainer) Kind() string { return t.inner.Kind() }

func (t *countingTrainer) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type testHarness struct {
	controller *Controller
	store      *fakeStore
	blobs      *storage.MemoryStore
	trainer    *countingTrainer
	audits     *[]auditlog.Event
}

func newHarness(t *testing.T, trainer train.Trainer) *testHarness {
	t.Helper()
	if trainer == nil {
		trainer = dryrun.New(0.75)
	}
	counting := &countingTrainer{inner: trainer}
	store := newFakeStore()
	blobs := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	artifactSvc := artifacts.New(logger, store, blobs, "models")
	if artifactSvc == nil {
		t.Fatal("artifact service must construct")
	}

	pipeline, err := config.Load("")
	if err != nil {
		t.Fatalf("load pipeline defaults: %v", err)
	}

	audits := &[]auditlog.Event{}
	audit := func(_ context.Context, event auditlog.Event) {
		*audits = append(*audits, event)
	}

	controller := New(logger, Config{
		Pipeline:      pipeline,
		Gate:          gate.DefaultSpec(0.7, nil),
		CodeVersion:   "v1",
		ReportsBucket: "reports",
	}, Deps{
		Runs:        store,
		Snapshots:   store,
		Ledger:      store,
		Pointer:     store,
		StageEvents: stageEvents{store},
		Artifacts:   artifactSvc,
		Trainer:     counting,
		Store:       blobs,
		Audit:       audit,
	})
	if controller == nil {
		t.Fatal("controller must construct with valid dependencies")
	}
	return &testHarness{controller: controller, store: store, blobs: blobs, trainer: counting, audits: audits}
}

func snapshotFixture(sha string) domain.DatasetSnapshot {
	return domain.DatasetSnapshot{
		ID:                "snap-" + sha,
		Name:              "hospital_readmission",
		ContentSHA256:     sha,
		SourceURI:         "data/diabetic_data.csv",
		RowCount:          101766,
		Columns:           []string{"readmitted", "age", "gender", "race"},
		NullFractions:     map[string]float64{"readmitted": 0, "age": 0, "gender": 0, "race": 0.02},
		SchemaFingerprint: "fp-" + sha,
		CapturedAt:        time.Now().UTC(),
		IntegritySHA256:   "test",
	}
}

func TestExecutePromotesPassingModel(t *testing.T) {
	h := newHarness(t, dryrun.New(0.75))
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	outcome, err := h.controller.Execute(context.Background(), TriggerRequest{Trigger: "manual"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusPromoted {
		t.Fatalf("status = %s, want promoted (reason %q)", outcome.Status, outcome.Reason)
	}
	if outcome.Version != 1 {
		t.Fatalf("version = %d, want 1", outcome.Version)
	}

	pointer, err := h.store.Get(context.Background(), "hospital_readmission")
	if err != nil {
		t.Fatalf("pointer must exist: %v", err)
	}
	if pointer.ArtifactID != outcome.ArtifactID {
		t.Fatalf("pointer artifact = %s, want %s", pointer.ArtifactID, outcome.ArtifactID)
	}

	run, err := h.store.GetRun(context.Background(), outcome.RunID)
	if err != nil {
		t.Fatalf("run must exist: %v", err)
	}
	if !run.Status.Terminal() {
		t.Fatal("run must be terminal")
	}
	if run.Metrics["roc_auc"].(float64) != 0.75 {
		t.Fatalf("recorded roc_auc = %v", run.Metrics["roc_auc"])
	}
	if _, ok := h.store.ledger[outcome.RunID]; !ok {
		t.Fatal("ledger entry must be recorded")
	}

	// Terminal report bundle lands in the reports bucket.
	if _, err := h.blobs.Stat(context.Background(), "reports", reportObjectKey(outcome.RunID)); err != nil {
		t.Fatalf("report must be persisted: %v", err)
	}
}

func TestExecuteGateRejection(t *testing.T) {
	h := newHarness(t, dryrun.New(0.65))
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	outcome, err := h.controller.Execute(context.Background(), TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.Stage != domain.StageGating {
		t.Fatalf("failure stage = %s, want gating", outcome.Stage)
	}
	if !strings.Contains(outcome.Reason, "quality gate") {
		t.Fatalf("reason = %q", outcome.Reason)
	}
	if _, err := h.store.Get(context.Background(), "hospital_readmission"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatal("pointer must stay unset after a gate rejection")
	}
}

func TestExecuteGateBoundaryFails(t *testing.T) {
	// Exactly at the threshold is not above it.
	h := newHarness(t, dryrun.New(0.7))
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	outcome, err := h.controller.Execute(context.Background(), TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusFailed || outcome.Stage != domain.StageGating {
		t.Fatalf("outcome = %+v, want gating failure", outcome)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	h := newHarness(t, nil)
	snapshot := snapshotFixture("sha-a")
	snapshot.Columns = []string{"readmitted", "gender", "race"}
	h.store.setLatestSnapshot(snapshot)

	outcome, err := h.controller.Execute(context.Background(), TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.Stage != domain.StageValidating {
		t.Fatalf("failure stage = %s, want validating", outcome.Stage)
	}
	if !strings.Contains(outcome.Reason, "missing_column:age") {
		t.Fatalf("reason = %q", outcome.Reason)
	}
	if h.trainer.count() != 0 {
		t.Fatal("trainer must not be invoked for an invalid snapshot")
	}
	if len(h.store.artifacts) != 0 {
		t.Fatal("no artifact may be produced for an invalid snapshot")
	}
}

func TestExecuteSkipsUnchangedInput(t *testing.T) {
	h := newHarness(t, nil)
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	ctx := context.Background()

	first, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != domain.RunStatusPromoted {
		t.Fatalf("first run must promote, got %s", first.Status)
	}
	runsBefore := len(h.store.runs)
	trainsBefore := h.trainer.count()

	second, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Status != domain.RunStatusSkipped {
		t.Fatalf("second run must skip, got %s", second.Status)
	}
	if second.Reason != SkipReasonNoChange {
		t.Fatalf("skip reason = %q", second.Reason)
	}
	if len(h.store.runs) != runsBefore {
		t.Fatal("skip must not create a training run")
	}
	if h.trainer.count() != trainsBefore {
		t.Fatal("skip must not invoke the trainer")
	}

	// Forcing bypasses the replay check and runs again.
	forced, err := h.controller.Execute(ctx, TriggerRequest{Force: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if forced.Status != domain.RunStatusPromoted {
		t.Fatalf("forced run must promote, got %s (%s)", forced.Status, forced.Reason)
	}
	if forced.Version != 2 {
		t.Fatalf("forced promotion version = %d, want 2", forced.Version)
	}
}

func TestExecuteIdempotentReplaySkips(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Complete an attempt on snapshot A, then on snapshot B, then re-ingest A:
	// detection sees a data change, but (A, v1) already has a completed attempt.
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	if _, err := h.controller.Execute(ctx, TriggerRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.store.setLatestSnapshot(snapshotFixture("sha-b"))
	if _, err := h.controller.Execute(ctx, TriggerRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	runsBefore := len(h.store.runs)
	outcome, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusSkipped {
		t.Fatalf("status = %s, want skipped", outcome.Status)
	}
	if outcome.Reason != SkipReasonAlreadyAttempted {
		t.Fatalf("reason = %q, want %q", outcome.Reason, SkipReasonAlreadyAttempted)
	}
	if len(h.store.runs) != runsBefore {
		t.Fatal("idempotent replay must not create a training run")
	}
}

func TestExecuteTrainerFailureIsTerminal(t *testing.T) {
	h := newHarness(t, &failingTrainer{reason: "training deadline exceeded"})
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	outcome, err := h.controller.Execute(context.Background(), TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusFailed || outcome.Stage != domain.StageTraining {
		t.Fatalf("outcome = %+v, want training failure", outcome)
	}
	if !strings.Contains(outcome.Reason, "deadline") {
		t.Fatalf("reason = %q, want deadline mentioned", outcome.Reason)
	}
	if h.trainer.count() != 1 {
		t.Fatalf("trainer calls = %d, want exactly 1 (no auto-retry)", h.trainer.count())
	}
}

type failingTrainer struct {
	reason string
}

func (t *failingTrainer) Train(context.Context, train.Request) (train.Result, error) {
	return train.Result{}, &domain.TrainingError{Reason: t.reason}
}

func (t *failingTrainer) Kind() string { return "failing" }

// cancelingTrainer cancels the run's context during training and then
// returns a successful result, so the cancellation is observed afterwards.
type cancelingTrainer struct {
	inner  train.Trainer
	cancel context.CancelFunc
}

func (t *cancelingTrainer) Train(ctx context.Context, req train.Request) (train.Result, error) {
	result, err := t.inner.Train(ctx, req)
	t.cancel()
	return result, err
}

func (t *cancelingTrainer) Kind() string { return t.inner.Kind() }

func TestExecuteCancellationBeforePromotingLeavesPointerUntouched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, &cancelingTrainer{inner: dryrun.New(0.75), cancel: cancel})
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	outcome, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", outcome.Status)
	}
	if outcome.Stage != domain.StageTraining {
		t.Fatalf("failure stage = %s, want training", outcome.Stage)
	}
	if !strings.Contains(outcome.Reason, "canceled") {
		t.Fatalf("reason = %q, want cancellation mentioned", outcome.Reason)
	}
	if _, err := h.store.Get(context.Background(), "hospital_readmission"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatal("pointer must stay unset after cancellation")
	}

	run, err := h.store.GetRun(context.Background(), outcome.RunID)
	if err != nil {
		t.Fatalf("run must exist: %v", err)
	}
	if !run.Status.Terminal() {
		t.Fatal("canceled run must still be finalized")
	}
}

func TestReconcileMarksInterruptedRuns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	stale := domain.TrainingRun{
		ID:              "run-stale",
		SnapshotID:      "snap-sha-a",
		SnapshotSHA256:  "sha-a",
		CodeVersion:     "v1",
		Status:          domain.RunStatusRunning,
		Stage:           domain.StageTraining,
		StartedAt:       time.Now().UTC(),
		IntegritySHA256: "test",
	}
	if err := h.store.CreateRun(ctx, stale); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := h.controller.Reconcile(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled = %d, want 1", n)
	}

	run, err := h.store.GetRun(ctx, "run-stale")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.FailureStage != domain.StageTraining || run.FailureReason != domain.FailureReasonInterrupted {
		t.Fatalf("failure = %s/%s", run.FailureStage, run.FailureReason)
	}
	if run.Completed() {
		t.Fatal("interrupted run must not count as a completed attempt")
	}

	// Interrupted attempt does not satisfy idempotence: the same input runs.
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	outcome, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusPromoted {
		t.Fatalf("status = %s, want promoted after reconcile", outcome.Status)
	}
}

func TestExecuteSingleFlight(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, &blockingTrainer{release: release})
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.controller.Execute(context.Background(), TriggerRequest{})
	}()

	// Wait until the first run holds the slot.
	deadline := time.After(2 * time.Second)
	for h.trainer.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never reached the trainer")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := h.controller.Execute(context.Background(), TriggerRequest{}); !errors.Is(err, ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	close(release)
	<-done
}

type blockingTrainer struct {
	release chan struct{}
}

func (t *blockingTrainer) Train(ctx context.Context, _ train.Request) (train.Result, error) {
	select {
	case <-t.release:
	case <-ctx.Done():
	}
	return train.Result{}, &domain.TrainingError{Reason: "released"}
}

func (t *blockingTrainer) Kind() string { return "blocking" }

func TestPointerSwapSingleWinner(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	seed := domain.ModelPointer{
		Name: "hospital_readmission", Version: 1, ArtifactID: "art-0", RunID: "run-0",
		PromotedAt: time.Now().UTC(),
	}
	if err := store.Swap(ctx, seed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.Swap(ctx, domain.ModelPointer{
				Name:       "hospital_readmission",
				Version:    2,
				ArtifactID: fmt.Sprintf("art-%d", i+1),
				RunID:      fmt.Sprintf("run-%d", i+1),
				PromotedAt: time.Now().UTC(),
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, domain.ErrPromotionConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	pointer, err := store.Get(ctx, "hospital_readmission")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pointer.Version != 2 {
		t.Fatalf("pointer version = %d, want 2", pointer.Version)
	}
}

// stalePointer simulates a concurrent promotion landing between the
// controller's read and its swap.
type stalePointer struct {
	*fakeStore
}

func (s stalePointer) Get(ctx context.Context, name string) (domain.ModelPointer, error) {
	pointer, err := s.fakeStore.Get(ctx, name)
	if err != nil {
		return pointer, err
	}
	pointer.Version--
	return pointer, nil
}

func TestExecuteLostPromotionRaceFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	if _, err := h.controller.Execute(ctx, TriggerRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rebuild the controller with a pointer view that always reads stale.
	h2 := newHarness(t, nil)
	h2.store.setLatestSnapshot(snapshotFixture("sha-b"))
	seed := domain.ModelPointer{
		Name: "hospital_readmission", Version: 3, ArtifactID: "art-w", RunID: "run-w",
		PromotedAt: time.Now().UTC(),
	}
	h2.store.mu.Lock()
	h2.store.pointers["hospital_readmission"] = seed
	h2.store.mu.Unlock()
	h2.controller.deps.Pointer = stalePointer{h2.store}

	outcome, err := h2.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusFailed || outcome.Stage != domain.StagePromoting {
		t.Fatalf("outcome = %+v, want promoting failure", outcome)
	}
	if !strings.Contains(outcome.Reason, "conflict") {
		t.Fatalf("reason = %q", outcome.Reason)
	}
	pointer, err := h2.store.Get(ctx, "hospital_readmission")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pointer.ArtifactID != "art-w" {
		t.Fatal("loser must not overwrite the winner's artifact")
	}
}

func TestRollback(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	first, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.store.setLatestSnapshot(snapshotFixture("sha-b"))
	second, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("second promotion version = %d, want 2", second.Version)
	}

	pointer, err := h.controller.Rollback(ctx, "ops@example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pointer.Version != 3 {
		t.Fatalf("rollback version = %d, want 3", pointer.Version)
	}
	if pointer.ArtifactID != first.ArtifactID {
		t.Fatalf("rollback artifact = %s, want %s", pointer.ArtifactID, first.ArtifactID)
	}

	history, _ := h.store.ListHistory(ctx, repo.PromotionFilter{})
	last := history[len(history)-1]
	if last.Kind != domain.PromotionKindRollback {
		t.Fatalf("last history kind = %s, want rollback", last.Kind)
	}
	if last.Actor != "ops@example.org" {
		t.Fatalf("actor = %q", last.Actor)
	}
}

func TestRollbackWithoutPredecessorFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	if _, err := h.controller.Execute(ctx, TriggerRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := h.controller.Rollback(ctx, ""); err == nil {
		t.Fatal("rollback without a previous artifact must fail")
	}
}

func TestBuildReport(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	outcome, err := h.controller.Execute(ctx, TriggerRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report, err := h.controller.BuildReport(ctx, outcome.RunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Schema != ReportSchemaV1 {
		t.Fatalf("schema = %q", report.Schema)
	}
	if report.IntegritySHA256 == "" {
		t.Fatal("report integrity must be set")
	}
	if report.Ledger == nil {
		t.Fatal("report must embed the ledger entry")
	}
	if len(report.StageEvents) == 0 {
		t.Fatal("report must include stage events")
	}
	if report.Artifact == nil {
		t.Fatal("promoted run report must include the artifact")
	}
}

func TestExecuteWithoutSnapshotFails(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.controller.Execute(context.Background(), TriggerRequest{}); err == nil {
		t.Fatal("expected error when no snapshot was ingested")
	}
}

func TestExecuteSkipWritesLedgerEntry(t *testing.T) {
	h := newHarness(t, dryrun.New(0.75))
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))

	first, err := h.controller.Execute(context.Background(), TriggerRequest{Trigger: "manual"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Status != domain.RunStatusPromoted {
		t.Fatalf("status = %s, want promoted", first.Status)
	}

	outcome, err := h.controller.Execute(context.Background(), TriggerRequest{Trigger: "manual"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.Status != domain.RunStatusSkipped || outcome.Reason != SkipReasonNoChange {
		t.Fatalf("outcome = %s/%s, want skipped/no_change", outcome.Status, outcome.Reason)
	}

	// Every exit point gets a ledger entry, early exits included.
	if len(h.store.ledger) != 2 {
		t.Fatalf("ledger entries = %d, want 2", len(h.store.ledger))
	}
	var skipEntry domain.RunLedgerEntry
	found := false
	for _, entry := range h.store.ledger {
		if entry.DecisionReason == SkipReasonNoChange {
			skipEntry = entry
			found = true
		}
	}
	if !found {
		t.Fatal("skipped invocation must be ledgered")
	}
	if skipEntry.SnapshotSHA256 != "sha-a" {
		t.Fatalf("skip entry snapshot = %s, want sha-a", skipEntry.SnapshotSHA256)
	}
	if skipEntry.RunID == "" || skipEntry.RunID == first.RunID {
		t.Fatalf("skip entry must carry its own generated run id, got %q", skipEntry.RunID)
	}
	if skipEntry.IntegritySHA256 == "" {
		t.Fatal("skip entry must carry an integrity hash")
	}
}

// stageFailRuns simulates the runs table going away mid-pipeline.
type stageFailRuns struct{ *fakeStore }

func (s stageFailRuns) UpdateRunStage(context.Context, string, domain.RunStage) error {
	return errors.New("runs table unavailable")
}

func TestExecuteStageUpdateFailureFinalizesRun(t *testing.T) {
	h := newHarness(t, dryrun.New(0.75))
	h.store.setLatestSnapshot(snapshotFixture("sha-a"))
	h.controller.deps.Runs = stageFailRuns{h.store}

	_, err := h.controller.Execute(context.Background(), TriggerRequest{Trigger: "manual"})
	if err == nil {
		t.Fatal("stage persistence failure must surface as an error")
	}

	if len(h.store.runOrder) != 1 {
		t.Fatalf("runs = %d, want 1", len(h.store.runOrder))
	}
	run, err := h.store.GetRun(context.Background(), h.store.runOrder[0])
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusFailed {
		t.Fatalf("run status = %s, want failed without waiting for reconciliation", run.Status)
	}
	if !strings.Contains(run.FailureReason, "stage update failed") {
		t.Fatalf("failure reason = %q", run.FailureReason)
	}
	if run.EndedAt == nil {
		t.Fatal("run must be finalized")
	}
}

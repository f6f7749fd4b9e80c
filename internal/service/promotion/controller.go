// Package promotion owns the retraining state machine: detect, validate,
// train, evaluate, gate, promote. One run at a time per process; every stage
// entry is ledgered, timed, and auditable, and the terminal outcome is exactly
// one of skipped, promoted, or failed.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/readmit-labs/readmit-go/internal/config"
	"github.com/readmit-labs/readmit-go/internal/detect"
	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/evaluate"
	"github.com/readmit-labs/readmit-go/internal/gate"
	"github.com/readmit-labs/readmit-go/internal/platform/auditlog"
	"github.com/readmit-labs/readmit-go/internal/platform/metrics"
	"github.com/readmit-labs/readmit-go/internal/repo"
	"github.com/readmit-labs/readmit-go/internal/service/snapshots"
	"github.com/readmit-labs/readmit-go/internal/storage"
	"github.com/readmit-labs/readmit-go/internal/train"
	"github.com/readmit-labs/readmit-go/internal/validate"
)

// ErrRunActive rejects a trigger while another run holds the single-flight
// slot. The database race between processes is still resolved by the pointer
// compare-and-swap.
var ErrRunActive = errors.New("a pipeline run is already active")

const (
	SkipReasonNoChange         = "no_change"
	SkipReasonAlreadyAttempted = "already_attempted"

	ledgerSchemaV1 = "readmit.run_ledger.v1"
)

type AuditFunc func(ctx context.Context, event auditlog.Event)

// ArtifactSaver is the slice of the artifact service the controller needs.
type ArtifactSaver interface {
	SaveFromTraining(ctx context.Context, runID string, result train.Result, hyperparams domain.Metadata) (domain.ModelArtifact, error)
	Get(ctx context.Context, id string) (domain.ModelArtifact, error)
}

type Config struct {
	Pipeline      config.Pipeline
	Gate          gate.Spec
	CodeVersion   string
	ReportsBucket string
}

type Deps struct {
	Runs        repo.RunRepository
	Snapshots   repo.SnapshotRepository
	Ledger      repo.LedgerRepository
	Pointer     repo.PointerRepository
	StageEvents repo.StageEventAppender
	Artifacts   ArtifactSaver
	Trainer     train.Trainer
	Store       storage.Store
	Audit       AuditFunc
}

type Controller struct {
	logger *slog.Logger
	cfg    Config
	deps   Deps
	now    func() time.Time
	active atomic.Bool
}

func New(logger *slog.Logger, cfg Config, deps Deps) *Controller {
	if logger == nil || deps.Runs == nil || deps.Snapshots == nil || deps.Ledger == nil ||
		deps.Pointer == nil || deps.StageEvents == nil || deps.Artifacts == nil ||
		deps.Trainer == nil || deps.Store == nil {
		return nil
	}
	if strings.TrimSpace(cfg.CodeVersion) == "" {
		return nil
	}
	return &Controller{
		logger: logger,
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
	}
}

// TriggerRequest starts one pipeline invocation.
type TriggerRequest struct {
	Force   bool
	Trigger string
	Actor   string
}

// Execute runs the pipeline to its terminal outcome. Only one invocation per
// process runs at a time; concurrent triggers get ErrRunActive.
func (c *Controller) Execute(ctx context.Context, req TriggerRequest) (domain.Outcome, error) {
	if c == nil {
		return domain.Outcome{}, fmt.Errorf("promotion controller not initialized")
	}
	if !c.active.CompareAndSwap(false, true) {
		return domain.Outcome{}, ErrRunActive
	}
	defer c.active.Store(false)
	return c.execute(ctx, req)
}

func (c *Controller) execute(ctx context.Context, req TriggerRequest) (domain.Outcome, error) {
	detectStart := c.now()

	snapshot, err := c.deps.Snapshots.LatestSnapshot(ctx, c.cfg.Pipeline.ModelName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Outcome{}, fmt.Errorf("no dataset snapshot ingested for %q", c.cfg.Pipeline.ModelName)
		}
		return domain.Outcome{}, fmt.Errorf("load latest snapshot: %w", err)
	}

	var previousSHA string
	codeChanged := false
	last, err := c.deps.Runs.LatestCompletedRun(ctx)
	switch {
	case err == nil:
		previousSHA = last.SnapshotSHA256
		codeChanged = last.CodeVersion != c.cfg.CodeVersion
	case errors.Is(err, repo.ErrNotFound):
		// First-ever invocation: no previous attempt to compare against.
	default:
		return domain.Outcome{}, fmt.Errorf("load last completed run: %w", err)
	}

	decision := detect.ShouldRun(detect.Input{
		PreviousSnapshotSHA256: previousSHA,
		CurrentSnapshotSHA256:  snapshot.ContentSHA256,
		CodeChanged:            codeChanged,
		Force:                  req.Force,
	})
	if !decision.ShouldRun {
		return c.skip(ctx, req, snapshot, decision.Reason)
	}

	if !req.Force {
		_, err := c.deps.Runs.FindCompletedAttempt(ctx, snapshot.ContentSHA256, c.cfg.CodeVersion)
		switch {
		case err == nil:
			return c.skip(ctx, req, snapshot, SkipReasonAlreadyAttempted)
		case errors.Is(err, repo.ErrNotFound):
		default:
			return domain.Outcome{}, fmt.Errorf("check completed attempts: %w", err)
		}
	}

	run, err := c.startRun(ctx, req, snapshot, decision.Reason)
	if err != nil {
		return domain.Outcome{}, err
	}
	metrics.ObserveStage(string(domain.StageDetecting), c.now().Sub(detectStart))

	return c.advance(ctx, req, &run, snapshot)
}

// advance drives the run from VALIDATING to its terminal outcome. Every exit
// path finalizes the run exactly once.
func (c *Controller) advance(ctx context.Context, req TriggerRequest, run *domain.TrainingRun, snapshot domain.DatasetSnapshot) (domain.Outcome, error) {
	// VALIDATING
	if canceled(ctx) {
		return c.fail(ctx, run, "canceled", nil), nil
	}
	if err := c.enterStage(ctx, run, domain.StageValidating, nil); err != nil {
		return domain.Outcome{}, c.abort(ctx, run, err)
	}
	validateStart := c.now()
	report := validate.Check(snapshot, c.cfg.Pipeline.ValidationRules(), c.now())
	metrics.ObserveStage(string(domain.StageValidating), c.now().Sub(validateStart))
	if !report.Valid() {
		failure := &domain.ValidationFailure{SnapshotID: snapshot.ID, Violations: report.Violations}
		return c.fail(ctx, run, failure.Error(), domain.Metadata{"violations": report.Violations}), nil
	}

	// TRAINING
	if canceled(ctx) {
		return c.fail(ctx, run, "canceled", nil), nil
	}
	if err := c.enterStage(ctx, run, domain.StageTraining, nil); err != nil {
		return domain.Outcome{}, c.abort(ctx, run, err)
	}
	trainStart := c.now()
	trainCtx, cancelTrain := context.WithTimeout(ctx, c.cfg.Pipeline.TrainingTimeout())
	result, trainErr := c.deps.Trainer.Train(trainCtx, train.Request{
		RunID:             run.ID,
		SnapshotObjectKey: snapshots.ObjectKey(snapshot.ContentSHA256),
		SnapshotSHA256:    snapshot.ContentSHA256,
		SchemaFingerprint: snapshot.SchemaFingerprint,
		LabelColumn:       c.cfg.Pipeline.Dataset.LabelColumn,
		PositiveLabel:     c.cfg.Pipeline.Dataset.PositiveLabel,
		HoldoutFraction:   c.cfg.Pipeline.Training.HoldoutFraction,
		Seed:              c.cfg.Pipeline.Training.Seed,
		Hyperparams:       c.cfg.Pipeline.Training.Hyperparams,
	})
	cancelTrain()
	trainDuration := c.now().Sub(trainStart)
	metrics.ObserveTraining(trainDuration)
	metrics.ObserveStage(string(domain.StageTraining), trainDuration)
	if trainErr != nil {
		return c.fail(ctx, run, trainReason(trainErr), domain.Metadata{
			"trainer":          c.deps.Trainer.Kind(),
			"duration_seconds": trainDuration.Seconds(),
		}), nil
	}

	artifact, err := c.deps.Artifacts.SaveFromTraining(ctx, run.ID, result, run.Hyperparams)
	if err != nil {
		return c.fail(ctx, run, "store artifact: "+err.Error(), nil), nil
	}
	run.ArtifactID = artifact.ID

	// EVALUATING
	if canceled(ctx) {
		return c.fail(ctx, run, "canceled", nil), nil
	}
	if err := c.enterStage(ctx, run, domain.StageEvaluating, nil); err != nil {
		return domain.Outcome{}, c.abort(ctx, run, err)
	}
	evalStart := c.now()
	evalCtx, cancelEval := context.WithTimeout(ctx, c.cfg.Pipeline.EvaluationTimeout())
	eval, evalErr := c.evaluateHoldout(evalCtx, run.ID, result)
	cancelEval()
	metrics.ObserveStage(string(domain.StageEvaluating), c.now().Sub(evalStart))
	if evalErr != nil {
		return c.fail(ctx, run, evalErr.Error(), nil), nil
	}
	runMetrics := domain.Metadata{
		"roc_auc":     eval.ROCAUC,
		"pr_auc":      eval.PRAUC,
		"sample_size": eval.SampleSize,
	}

	// GATING
	if canceled(ctx) {
		return c.failWithMetrics(ctx, run, "canceled", runMetrics), nil
	}
	if err := c.enterStage(ctx, run, domain.StageGating, nil); err != nil {
		return domain.Outcome{}, c.abort(ctx, run, err)
	}
	gateStart := c.now()
	gateDecision := c.cfg.Gate.Decide(eval.MetricsMap())
	metrics.ObserveStage(string(domain.StageGating), c.now().Sub(gateStart))
	runMetrics["gate"] = gateDecision.Verdict()
	if !gateDecision.Passed {
		metrics.ObserveGateRejection()
		rejection := &domain.GateRejection{RunID: run.ID, Reasons: gateDecision.Reasons}
		return c.failWithMetrics(ctx, run, rejection.Error(), runMetrics), nil
	}

	// PROMOTING
	if canceled(ctx) {
		return c.failWithMetrics(ctx, run, "canceled", runMetrics), nil
	}
	if err := c.enterStage(ctx, run, domain.StagePromoting, nil); err != nil {
		return domain.Outcome{}, c.abort(ctx, run, err)
	}
	promoteStart := c.now()
	pointer, promoteErr := c.promote(ctx, run, artifact, req.Actor)
	metrics.ObserveStage(string(domain.StagePromoting), c.now().Sub(promoteStart))
	if promoteErr != nil {
		if errors.Is(promoteErr, domain.ErrPromotionConflict) {
			return c.failWithMetrics(ctx, run, domain.ErrPromotionConflict.Error(), runMetrics), nil
		}
		return c.failWithMetrics(ctx, run, "promote: "+promoteErr.Error(), runMetrics), nil
	}

	outcome := domain.PromotedOutcome(run.ID, pointer.Version, artifact.ID)
	c.finalize(ctx, run, outcome, runMetrics)
	return outcome, nil
}

func (c *Controller) evaluateHoldout(ctx context.Context, runID string, result train.Result) (domain.EvaluationResult, error) {
	// Scoring runs in memory over the holdout pairs; the evaluation deadline
	// is checked once on entry, not per pair.
	if err := ctx.Err(); err != nil {
		return domain.EvaluationResult{}, &domain.EvaluationError{Reason: "evaluation deadline exceeded", Err: err}
	}
	return evaluate.Evaluate(evaluate.Input{
		RunID:              runID,
		TrainedFingerprint: result.SchemaFingerprint,
		HoldoutFingerprint: result.HoldoutFingerprint,
		Pairs:              result.HoldoutPairs,
	}, c.now())
}

func (c *Controller) promote(ctx context.Context, run *domain.TrainingRun, artifact domain.ModelArtifact, actor string) (domain.ModelPointer, error) {
	name := c.cfg.Pipeline.ModelName
	version := int64(1)
	previous := ""
	current, err := c.deps.Pointer.Get(ctx, name)
	switch {
	case err == nil:
		version = current.Version + 1
		previous = current.ArtifactID
	case errors.Is(err, repo.ErrNotFound):
	default:
		return domain.ModelPointer{}, fmt.Errorf("load pointer: %w", err)
	}

	pointer := domain.ModelPointer{
		Name:               name,
		Version:            version,
		ArtifactID:         artifact.ID,
		RunID:              run.ID,
		PreviousArtifactID: previous,
		PromotedAt:         c.now().UTC(),
	}
	if err := c.deps.Pointer.Swap(ctx, pointer); err != nil {
		return domain.ModelPointer{}, err
	}

	if err := c.appendPromotion(ctx, pointer, domain.PromotionKindPromote, actor); err != nil {
		c.logger.Error("append promotion history", "run_id", run.ID, "error", err)
	}
	metrics.ObservePromotion(domain.PromotionKindPromote)
	return pointer, nil
}

// Rollback swaps the pointer back to its previous artifact under a new
// version. Fails cleanly when nothing was promoted or no predecessor exists.
func (c *Controller) Rollback(ctx context.Context, actor string) (domain.ModelPointer, error) {
	if c == nil {
		return domain.ModelPointer{}, fmt.Errorf("promotion controller not initialized")
	}
	name := c.cfg.Pipeline.ModelName
	current, err := c.deps.Pointer.Get(ctx, name)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ModelPointer{}, fmt.Errorf("no model promoted for %q", name)
		}
		return domain.ModelPointer{}, fmt.Errorf("load pointer: %w", err)
	}
	if strings.TrimSpace(current.PreviousArtifactID) == "" {
		return domain.ModelPointer{}, fmt.Errorf("no previous artifact to roll back to")
	}

	pointer := domain.ModelPointer{
		Name:               name,
		Version:            current.Version + 1,
		ArtifactID:         current.PreviousArtifactID,
		RunID:              current.RunID,
		PreviousArtifactID: current.ArtifactID,
		PromotedAt:         c.now().UTC(),
	}
	if err := c.deps.Pointer.Swap(ctx, pointer); err != nil {
		return domain.ModelPointer{}, err
	}
	if err := c.appendPromotion(ctx, pointer, domain.PromotionKindRollback, actor); err != nil {
		c.logger.Error("append rollback history", "model", name, "error", err)
	}
	metrics.ObservePromotion(domain.PromotionKindRollback)

	c.logger.Info("model rolled back",
		"model", name,
		"version", pointer.Version,
		"artifact_id", pointer.ArtifactID,
	)
	if c.deps.Audit != nil {
		c.deps.Audit(ctx, auditlog.Event{
			OccurredAt:   c.now().UTC(),
			Actor:        actorOrSystem(actor),
			Action:       auditlog.ActionModelRollback,
			ResourceType: "model_pointer",
			ResourceID:   name,
			Payload: map[string]any{
				"version":     pointer.Version,
				"artifact_id": pointer.ArtifactID,
			},
		})
	}
	return pointer, nil
}

// Reconcile marks every run left non-terminal by a previous process as failed
// with reason "interrupted". Must run before any new trigger is accepted.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("promotion controller not initialized")
	}
	stale, err := c.deps.Runs.ListNonTerminalRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list non-terminal runs: %w", err)
	}
	reconciled := 0
	for _, run := range stale {
		stage := run.Stage
		if !stage.Valid() {
			stage = domain.StageDetecting
		}
		outcome := domain.FailedOutcome(run.ID, stage, domain.FailureReasonInterrupted)
		if err := c.deps.Runs.FinalizeRun(ctx, run.ID, outcome, run.Metrics, c.now().UTC()); err != nil {
			return reconciled, fmt.Errorf("reconcile run %s: %w", run.ID, err)
		}
		reconciled++
		c.logger.Warn("reconciled interrupted run", "run_id", run.ID, "stage", string(stage))
		metrics.ObserveRun(metrics.OutcomeFailed)
	}
	return reconciled, nil
}

func (c *Controller) startRun(ctx context.Context, req TriggerRequest, snapshot domain.DatasetSnapshot, reason string) (domain.TrainingRun, error) {
	now := c.now().UTC()
	run := domain.TrainingRun{
		ID:             uuid.NewString(),
		SnapshotID:     snapshot.ID,
		SnapshotSHA256: snapshot.ContentSHA256,
		CodeVersion:    c.cfg.CodeVersion,
		Trigger:        triggerOrManual(req.Trigger),
		Forced:         req.Force,
		Status:         domain.RunStatusRunning,
		Stage:          domain.StageDetecting,
		Hyperparams:    domain.Metadata(c.cfg.Pipeline.Training.Hyperparams),
		Metrics:        domain.Metadata{},
		StartedAt:      now,
	}
	integrity, err := runIntegrity(run)
	if err != nil {
		return domain.TrainingRun{}, err
	}
	run.IntegritySHA256 = integrity
	if err := c.deps.Runs.CreateRun(ctx, run); err != nil {
		return domain.TrainingRun{}, fmt.Errorf("create run: %w", err)
	}

	entry := domain.RunLedgerEntry{
		LedgerID:       uuid.NewString(),
		RunID:          run.ID,
		SnapshotID:     snapshot.ID,
		SnapshotSHA256: snapshot.ContentSHA256,
		CodeVersion:    c.cfg.CodeVersion,
		Forced:         req.Force,
		Trigger:        run.Trigger,
		DecisionReason: reason,
		RecordedAt:     now,
	}
	entryIntegrity, err := ledgerIntegrity(entry)
	if err != nil {
		return domain.TrainingRun{}, err
	}
	entry.IntegritySHA256 = entryIntegrity
	inserted, err := c.deps.Ledger.Append(ctx, entry)
	if err != nil {
		return domain.TrainingRun{}, fmt.Errorf("append ledger entry: %w", err)
	}
	if !inserted {
		// A run id collides only when the same invocation is replayed.
		c.logger.Warn("ledger entry already recorded", "run_id", run.ID)
	}

	c.appendStageEvent(ctx, run.ID, domain.StageDetecting, domain.Metadata{"reason": reason})
	c.logger.Info("run started",
		"run_id", run.ID,
		"snapshot_sha256", snapshot.ContentSHA256,
		"reason", reason,
		"forced", req.Force,
		"trigger", run.Trigger,
	)
	if c.deps.Audit != nil {
		c.deps.Audit(ctx, auditlog.Event{
			OccurredAt:   now,
			Actor:        actorOrSystem(req.Actor),
			Action:       auditlog.ActionRunStarted,
			ResourceType: "training_run",
			ResourceID:   run.ID,
			Payload: map[string]any{
				"snapshot_sha256": snapshot.ContentSHA256,
				"reason":          reason,
				"forced":          req.Force,
			},
		})
	}
	return run, nil
}

func (c *Controller) enterStage(ctx context.Context, run *domain.TrainingRun, to domain.RunStage, details domain.Metadata) error {
	if err := domain.ValidateStageTransition(run.Stage, to); err != nil {
		return err
	}
	if err := c.deps.Runs.UpdateRunStage(ctx, run.ID, to); err != nil {
		return fmt.Errorf("advance run to %s: %w", to, err)
	}
	run.Stage = to
	run.Status = domain.RunStatusRunning
	c.appendStageEvent(ctx, run.ID, to, details)
	c.logger.Info("run stage entered", "run_id", run.ID, "stage", string(to))
	return nil
}

func (c *Controller) appendStageEvent(ctx context.Context, runID string, stage domain.RunStage, details domain.Metadata) {
	event := domain.RunStageEvent{
		ID:         uuid.NewString(),
		RunID:      runID,
		Stage:      stage,
		Status:     "entered",
		ObservedAt: c.now().UTC(),
		Details:    details,
	}
	integrity, err := stageEventIntegrity(event)
	if err != nil {
		c.logger.Error("stage event integrity", "run_id", runID, "stage", string(stage), "error", err)
		return
	}
	event.IntegritySHA256 = integrity
	if _, err := c.deps.StageEvents.Append(ctx, event); err != nil {
		c.logger.Error("append stage event", "run_id", runID, "stage", string(stage), "error", err)
	}
}

// skip records the early exit in the ledger without creating a training run.
// The entry carries a generated run id: no run row exists for a skip.
func (c *Controller) skip(ctx context.Context, req TriggerRequest, snapshot domain.DatasetSnapshot, reason string) (domain.Outcome, error) {
	now := c.now().UTC()
	entry := domain.RunLedgerEntry{
		LedgerID:       uuid.NewString(),
		RunID:          uuid.NewString(),
		SnapshotID:     snapshot.ID,
		SnapshotSHA256: snapshot.ContentSHA256,
		CodeVersion:    c.cfg.CodeVersion,
		Forced:         req.Force,
		Trigger:        triggerOrManual(req.Trigger),
		DecisionReason: reason,
		RecordedAt:     now,
	}
	integrity, err := ledgerIntegrity(entry)
	if err != nil {
		return domain.Outcome{}, err
	}
	entry.IntegritySHA256 = integrity
	if _, err := c.deps.Ledger.Append(ctx, entry); err != nil {
		return domain.Outcome{}, fmt.Errorf("append skip ledger entry: %w", err)
	}

	outcome := domain.SkippedOutcome("", reason)
	c.logger.Info("run skipped",
		"snapshot_sha256", snapshot.ContentSHA256,
		"reason", reason,
	)
	metrics.ObserveRun(metrics.OutcomeSkipped)
	if c.deps.Audit != nil {
		c.deps.Audit(ctx, auditlog.Event{
			OccurredAt:   now,
			Actor:        actorOrSystem(req.Actor),
			Action:       auditlog.ActionRunSkipped,
			ResourceType: "dataset_snapshot",
			ResourceID:   snapshot.ID,
			Payload:      map[string]any{"reason": reason},
		})
	}
	return outcome, nil
}

// abort finalizes a run whose stage persistence failed, so it does not sit
// RUNNING until the next restart reconciliation, then surfaces the error.
func (c *Controller) abort(ctx context.Context, run *domain.TrainingRun, err error) error {
	outcome := domain.FailedOutcome(run.ID, run.Stage, "stage update failed: "+err.Error())
	finalizeCtx := context.WithoutCancel(ctx)
	if ferr := c.deps.Runs.FinalizeRun(finalizeCtx, run.ID, outcome, run.Metrics, c.now().UTC()); ferr != nil {
		c.logger.Error("finalize aborted run", "run_id", run.ID, "error", ferr)
	}
	metrics.ObserveRun(metrics.OutcomeFailed)
	return err
}

func (c *Controller) fail(ctx context.Context, run *domain.TrainingRun, reason string, details domain.Metadata) domain.Outcome {
	return c.failWithMetrics(ctx, run, reason, details)
}

func (c *Controller) failWithMetrics(ctx context.Context, run *domain.TrainingRun, reason string, runMetrics domain.Metadata) domain.Outcome {
	outcome := domain.FailedOutcome(run.ID, run.Stage, reason)
	outcome.ArtifactID = run.ArtifactID
	c.finalize(ctx, run, outcome, runMetrics)
	return outcome
}

func (c *Controller) finalize(ctx context.Context, run *domain.TrainingRun, outcome domain.Outcome, runMetrics domain.Metadata) {
	// The terminal record must land even when the trigger's context was
	// canceled mid-run.
	ctx = context.WithoutCancel(ctx)
	endedAt := c.now().UTC()
	if runMetrics == nil {
		runMetrics = domain.Metadata{}
	}
	if err := c.deps.Runs.FinalizeRun(ctx, run.ID, outcome, runMetrics, endedAt); err != nil {
		c.logger.Error("finalize run", "run_id", run.ID, "error", err)
	}
	run.Status = outcome.Status
	run.FailureStage = outcome.Stage
	run.FailureReason = outcome.Reason
	run.Metrics = runMetrics
	run.EndedAt = &endedAt

	action := auditlog.ActionRunFailed
	switch outcome.Status {
	case domain.RunStatusPromoted:
		action = auditlog.ActionRunPromoted
		metrics.ObserveRun(metrics.OutcomePromoted)
		c.logger.Info("run promoted",
			"run_id", run.ID,
			"version", outcome.Version,
			"artifact_id", outcome.ArtifactID,
		)
	case domain.RunStatusFailed:
		metrics.ObserveRun(metrics.OutcomeFailed)
		c.logger.Warn("run failed",
			"run_id", run.ID,
			"stage", string(outcome.Stage),
			"reason", outcome.Reason,
		)
	default:
		metrics.ObserveRun(metrics.OutcomeSkipped)
	}

	if c.deps.Audit != nil {
		c.deps.Audit(ctx, auditlog.Event{
			OccurredAt:   endedAt,
			Actor:        "system",
			Action:       action,
			ResourceType: "training_run",
			ResourceID:   run.ID,
			Payload: map[string]any{
				"status":  string(outcome.Status),
				"stage":   string(outcome.Stage),
				"reason":  outcome.Reason,
				"version": outcome.Version,
			},
		})
	}

	if err := c.persistReport(ctx, run.ID); err != nil {
		c.logger.Error("persist run report", "run_id", run.ID, "error", err)
	}
}

func canceled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func trainReason(err error) string {
	var trainErr *domain.TrainingError
	if errors.As(err, &trainErr) {
		return "training failed: " + trainErr.Reason
	}
	return "training failed: " + err.Error()
}

func triggerOrManual(trigger string) string {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return "manual"
	}
	return trigger
}

func actorOrSystem(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "system"
	}
	return actor
}

func runIntegrity(run domain.TrainingRun) (string, error) {
	type integrityInput struct {
		ID             string    `json:"id"`
		SnapshotID     string    `json:"snapshot_id"`
		SnapshotSHA256 string    `json:"snapshot_sha256"`
		CodeVersion    string    `json:"code_version"`
		Trigger        string    `json:"trigger"`
		Forced         bool      `json:"forced"`
		StartedAt      time.Time `json:"started_at"`
	}
	return domain.IntegritySHA256(integrityInput{
		ID:             run.ID,
		SnapshotID:     run.SnapshotID,
		SnapshotSHA256: run.SnapshotSHA256,
		CodeVersion:    run.CodeVersion,
		Trigger:        run.Trigger,
		Forced:         run.Forced,
		StartedAt:      run.StartedAt,
	})
}

func ledgerIntegrity(entry domain.RunLedgerEntry) (string, error) {
	type integrityInput struct {
		Schema         string    `json:"schema"`
		LedgerID       string    `json:"ledger_id"`
		RunID          string    `json:"run_id"`
		SnapshotID     string    `json:"snapshot_id"`
		SnapshotSHA256 string    `json:"snapshot_sha256"`
		CodeVersion    string    `json:"code_version"`
		Forced         bool      `json:"forced"`
		Trigger        string    `json:"trigger"`
		DecisionReason string    `json:"decision_reason"`
		RecordedAt     time.Time `json:"recorded_at"`
	}
	return domain.IntegritySHA256(integrityInput{
		Schema:         ledgerSchemaV1,
		LedgerID:       entry.LedgerID,
		RunID:          entry.RunID,
		SnapshotID:     entry.SnapshotID,
		SnapshotSHA256: entry.SnapshotSHA256,
		CodeVersion:    entry.CodeVersion,
		Forced:         entry.Forced,
		Trigger:        entry.Trigger,
		DecisionReason: entry.DecisionReason,
		RecordedAt:     entry.RecordedAt,
	})
}

func stageEventIntegrity(event domain.RunStageEvent) (string, error) {
	type integrityInput struct {
		ID         string          `json:"id"`
		RunID      string          `json:"run_id"`
		Stage      string          `json:"stage"`
		Status     string          `json:"status"`
		ObservedAt time.Time       `json:"observed_at"`
		Details    domain.Metadata `json:"details"`
	}
	return domain.IntegritySHA256(integrityInput{
		ID:         event.ID,
		RunID:      event.RunID,
		Stage:      string(event.Stage),
		Status:     event.Status,
		ObservedAt: event.ObservedAt,
		Details:    event.Details,
	})
}

func (c *Controller) appendPromotion(ctx context.Context, pointer domain.ModelPointer, kind, actor string) error {
	record := domain.PromotionRecord{
		ID:                 uuid.NewString(),
		ModelName:          pointer.Name,
		Version:            pointer.Version,
		ArtifactID:         pointer.ArtifactID,
		RunID:              pointer.RunID,
		PreviousArtifactID: pointer.PreviousArtifactID,
		Kind:               kind,
		Actor:              actorOrSystem(actor),
		OccurredAt:         pointer.PromotedAt,
	}
	integrity, err := promotionIntegrity(record)
	if err != nil {
		return err
	}
	record.IntegritySHA256 = integrity
	return c.deps.Pointer.AppendHistory(ctx, record)
}

func promotionIntegrity(record domain.PromotionRecord) (string, error) {
	type integrityInput struct {
		ID                 string    `json:"id"`
		ModelName          string    `json:"model_name"`
		Version            int64     `json:"version"`
		ArtifactID         string    `json:"artifact_id"`
		RunID              string    `json:"run_id"`
		PreviousArtifactID string    `json:"previous_artifact_id"`
		Kind               string    `json:"kind"`
		Actor              string    `json:"actor"`
		OccurredAt         time.Time `json:"occurred_at"`
	}
	return domain.IntegritySHA256(integrityInput{
		ID:                 record.ID,
		ModelName:          record.ModelName,
		Version:            record.Version,
		ArtifactID:         record.ArtifactID,
		RunID:              record.RunID,
		PreviousArtifactID: record.PreviousArtifactID,
		Kind:               record.Kind,
		Actor:              record.Actor,
		OccurredAt:         record.OccurredAt,
	})
}

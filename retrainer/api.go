package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
	"github.com/readmit-labs/readmit-go/internal/platform/auth"
	"github.com/readmit-labs/readmit-go/internal/platform/requestid"
	"github.com/readmit-labs/readmit-go/internal/repo"
	"github.com/readmit-labs/readmit-go/internal/service/artifacts"
	"github.com/readmit-labs/readmit-go/internal/service/promotion"
	"github.com/readmit-labs/readmit-go/internal/service/snapshots"
)

type retrainerAPIDeps struct {
	Runs        repo.RunRepository
	Ledger      repo.LedgerRepository
	Events      repo.StageEventAppender
	Pointer     repo.PointerRepository
	Artifacts   *artifacts.Service
	ModelName   string
	DatasetPath string
}

type retrainerAPI struct {
	logger     *slog.Logger
	controller *promotion.Controller
	snapshots  *snapshots.Service
	deps       retrainerAPIDeps
}

func newRetrainerAPI(logger *slog.Logger, controller *promotion.Controller, snapshotSvc *snapshots.Service, deps retrainerAPIDeps) *retrainerAPI {
	return &retrainerAPI{
		logger:     logger,
		controller: controller,
		snapshots:  snapshotSvc,
		deps:       deps,
	}
}

func (api *retrainerAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", api.handleTriggerRun)
	mux.HandleFunc("GET /api/v1/runs", api.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/events", api.handleListRunEvents)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/report", api.handleGetRunReport)

	mux.HandleFunc("GET /api/v1/snapshots/latest", api.handleLatestSnapshot)
	mux.HandleFunc("POST /api/v1/hooks/dataset", api.handleDatasetHook)

	mux.HandleFunc("GET /api/v1/model/current", api.handleCurrentModel)
	mux.HandleFunc("GET /api/v1/model/history", api.handleModelHistory)
	mux.HandleFunc("POST /api/v1/model/rollback", auth.RequireRole(auth.RoleAdmin, api.handleRollback))

	mux.HandleFunc("GET /api/v1/ledger", api.handleListLedger)
}

type triggerRunRequest struct {
	Force  bool   `json:"force"`
	Reason string `json:"reason"`
}

func (api *retrainerAPI) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := decodeJSONAllowEmpty(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}

	outcome, err := api.controller.Execute(r.Context(), promotion.TriggerRequest{
		Force:   req.Force,
		Trigger: "api",
		Actor:   actorFromRequest(r),
	})
	if err != nil {
		if errors.Is(err, promotion.ErrRunActive) {
			api.writeError(w, r, http.StatusConflict, "run_active")
			return
		}
		api.logger.Error("trigger run failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if outcome.Status == domain.RunStatusSkipped {
		api.writeJSON(w, http.StatusOK, outcomeView(outcome))
		return
	}
	api.writeJSON(w, http.StatusAccepted, outcomeView(outcome))
}

func (api *retrainerAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.RunFilter{
		Status:         domain.RunStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		SnapshotSHA256: strings.TrimSpace(r.URL.Query().Get("snapshot_sha256")),
		Limit:          clampInt(parseIntQuery(r, "limit", 50), 1, 500),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		api.writeError(w, r, http.StatusBadRequest, "invalid_status")
		return
	}

	runs, err := api.deps.Runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		views = append(views, newRunView(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (api *retrainerAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	run, err := api.deps.Runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, newRunView(run))
}

func (api *retrainerAPI) handleListRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	events, err := api.deps.Events.ListByRun(r.Context(), runID)
	if err != nil {
		api.logger.Error("list run events failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]stageEventView, 0, len(events))
	for _, event := range events {
		views = append(views, stageEventView{
			Stage:      string(event.Stage),
			Status:     event.Status,
			ObservedAt: event.ObservedAt,
			Details:    event.Details,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "events": views})
}

func (api *retrainerAPI) handleGetRunReport(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}
	report, err := api.controller.BuildReport(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("build run report failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, report)
}

func (api *retrainerAPI) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := api.snapshots.Latest(r.Context(), api.deps.ModelName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("latest snapshot failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, newSnapshotView(snapshot))
}

type datasetHookRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force"`
}

// handleDatasetHook re-ingests the dataset file and triggers the pipeline,
// for external notifiers that know the data changed before the watcher does.
func (api *retrainerAPI) handleDatasetHook(w http.ResponseWriter, r *http.Request) {
	var req datasetHookRequest
	if err := decodeJSONAllowEmpty(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		path = api.deps.DatasetPath
	}

	file, err := os.Open(path)
	if err != nil {
		api.writeError(w, r, http.StatusUnprocessableEntity, "dataset_unreadable")
		return
	}
	defer func() { _ = file.Close() }()

	actor := actorFromRequest(r)
	snapshot, created, err := api.snapshots.Ingest(r.Context(), api.deps.ModelName, path, file, actor)
	if err != nil {
		var failure *domain.ValidationFailure
		if errors.As(err, &failure) {
			api.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "invalid_dataset",
				"violations": failure.Violations,
				"request_id": r.Header.Get(requestid.Header),
			})
			return
		}
		api.logger.Error("dataset hook ingest failed", "path", path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	outcome, err := api.controller.Execute(r.Context(), promotion.TriggerRequest{
		Force:   req.Force,
		Trigger: "hook",
		Actor:   actor,
	})
	if err != nil {
		if errors.Is(err, promotion.ErrRunActive) {
			api.writeJSON(w, http.StatusConflict, map[string]any{
				"error":      "run_active",
				"snapshot":   newSnapshotView(snapshot),
				"ingested":   created,
				"request_id": r.Header.Get(requestid.Header),
			})
			return
		}
		api.logger.Error("dataset hook trigger failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"snapshot": newSnapshotView(snapshot),
		"ingested": created,
		"outcome":  outcomeView(outcome),
	})
}

func (api *retrainerAPI) handleCurrentModel(w http.ResponseWriter, r *http.Request) {
	pointer, err := api.deps.Pointer.Get(r.Context(), api.deps.ModelName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get current model failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	view := newPointerView(pointer)
	if url, err := api.deps.Artifacts.PresignDownload(r.Context(), pointer.ArtifactID, 15*time.Minute); err == nil {
		view.DownloadURL = url
	}
	api.writeJSON(w, http.StatusOK, view)
}

func (api *retrainerAPI) handleModelHistory(w http.ResponseWriter, r *http.Request) {
	filter := repo.PromotionFilter{
		ModelName: api.deps.ModelName,
		Limit:     clampInt(parseIntQuery(r, "limit", 50), 1, 500),
	}
	records, err := api.deps.Pointer.ListHistory(r.Context(), filter)
	if err != nil {
		api.logger.Error("list model history failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]promotionView, 0, len(records))
	for _, record := range records {
		views = append(views, promotionView{
			Version:            record.Version,
			ArtifactID:         record.ArtifactID,
			RunID:              record.RunID,
			PreviousArtifactID: record.PreviousArtifactID,
			Kind:               record.Kind,
			Actor:              record.Actor,
			OccurredAt:         record.OccurredAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"model": api.deps.ModelName, "history": views})
}

func (api *retrainerAPI) handleRollback(w http.ResponseWriter, r *http.Request) {
	pointer, err := api.controller.Rollback(r.Context(), actorFromRequest(r))
	if err != nil {
		if errors.Is(err, domain.ErrPromotionConflict) {
			api.writeError(w, r, http.StatusConflict, "promotion_conflict")
			return
		}
		api.logger.Warn("rollback rejected", "error", err)
		api.writeError(w, r, http.StatusConflict, "rollback_unavailable")
		return
	}
	api.writeJSON(w, http.StatusOK, newPointerView(pointer))
}

func (api *retrainerAPI) handleListLedger(w http.ResponseWriter, r *http.Request) {
	limit := clampInt(parseIntQuery(r, "limit", 100), 1, 500)
	snapshotSHA := strings.TrimSpace(r.URL.Query().Get("snapshot_sha256"))

	entries, err := api.deps.Ledger.ListEntries(r.Context(), limit)
	if err != nil {
		api.logger.Error("list ledger failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]ledgerView, 0, len(entries))
	for _, entry := range entries {
		if snapshotSHA != "" && entry.SnapshotSHA256 != snapshotSHA {
			continue
		}
		views = append(views, ledgerView{
			LedgerID:       entry.LedgerID,
			RunID:          entry.RunID,
			SnapshotSHA256: entry.SnapshotSHA256,
			CodeVersion:    entry.CodeVersion,
			Forced:         entry.Forced,
			Trigger:        entry.Trigger,
			DecisionReason: entry.DecisionReason,
			RecordedAt:     entry.RecordedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}

type runView struct {
	ID             string          `json:"id"`
	SnapshotID     string          `json:"snapshot_id"`
	SnapshotSHA256 string          `json:"snapshot_sha256"`
	CodeVersion    string          `json:"code_version"`
	Trigger        string          `json:"trigger"`
	Forced         bool            `json:"forced"`
	Status         string          `json:"status"`
	Stage          string          `json:"stage"`
	FailureStage   string          `json:"failure_stage,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	Metrics        domain.Metadata `json:"metrics"`
	ArtifactID     string          `json:"artifact_id,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

func newRunView(run domain.TrainingRun) runView {
	return runView{
		ID:             run.ID,
		SnapshotID:     run.SnapshotID,
		SnapshotSHA256: run.SnapshotSHA256,
		CodeVersion:    run.CodeVersion,
		Trigger:        run.Trigger,
		Forced:         run.Forced,
		Status:         string(run.Status),
		Stage:          string(run.Stage),
		FailureStage:   string(run.FailureStage),
		FailureReason:  run.FailureReason,
		Metrics:        run.Metrics,
		ArtifactID:     run.ArtifactID,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
	}
}

type snapshotView struct {
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	ContentSHA256     string             `json:"content_sha256"`
	SourceURI         string             `json:"source_uri"`
	RowCount          int64              `json:"row_count"`
	Columns           []string           `json:"columns"`
	NullFractions     map[string]float64 `json:"null_fractions"`
	SchemaFingerprint string             `json:"schema_fingerprint"`
	CapturedAt        time.Time          `json:"captured_at"`
}

func newSnapshotView(snapshot domain.DatasetSnapshot) snapshotView {
	return snapshotView{
		ID:                snapshot.ID,
		Name:              snapshot.Name,
		ContentSHA256:     snapshot.ContentSHA256,
		SourceURI:         snapshot.SourceURI,
		RowCount:          snapshot.RowCount,
		Columns:           snapshot.Columns,
		NullFractions:     snapshot.NullFractions,
		SchemaFingerprint: snapshot.SchemaFingerprint,
		CapturedAt:        snapshot.CapturedAt,
	}
}

type pointerView struct {
	Model              string    `json:"model"`
	Version            int64     `json:"version"`
	ArtifactID         string    `json:"artifact_id"`
	RunID              string    `json:"run_id"`
	PreviousArtifactID string    `json:"previous_artifact_id,omitempty"`
	PromotedAt         time.Time `json:"promoted_at"`
	DownloadURL        string    `json:"download_url,omitempty"`
}

func newPointerView(pointer domain.ModelPointer) pointerView {
	return pointerView{
		Model:              pointer.Name,
		Version:            pointer.Version,
		ArtifactID:         pointer.ArtifactID,
		RunID:              pointer.RunID,
		PreviousArtifactID: pointer.PreviousArtifactID,
		PromotedAt:         pointer.PromotedAt,
	}
}

type promotionView struct {
	Version            int64     `json:"version"`
	ArtifactID         string    `json:"artifact_id"`
	RunID              string    `json:"run_id"`
	PreviousArtifactID string    `json:"previous_artifact_id,omitempty"`
	Kind               string    `json:"kind"`
	Actor              string    `json:"actor"`
	OccurredAt         time.Time `json:"occurred_at"`
}

type ledgerView struct {
	LedgerID       string    `json:"ledger_id"`
	RunID          string    `json:"run_id"`
	SnapshotSHA256 string    `json:"snapshot_sha256"`
	CodeVersion    string    `json:"code_version"`
	Forced         bool      `json:"forced"`
	Trigger        string    `json:"trigger"`
	DecisionReason string    `json:"decision_reason"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type stageEventView struct {
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	ObservedAt time.Time       `json:"observed_at"`
	Details    domain.Metadata `json:"details,omitempty"`
}

func outcomeView(outcome domain.Outcome) map[string]any {
	view := map[string]any{
		"status": string(outcome.Status),
	}
	if outcome.RunID != "" {
		view["run_id"] = outcome.RunID
	}
	if outcome.Reason != "" {
		view["reason"] = outcome.Reason
	}
	if outcome.Stage != "" {
		view["stage"] = string(outcome.Stage)
	}
	if outcome.Version > 0 {
		view["version"] = outcome.Version
	}
	if outcome.ArtifactID != "" {
		view["artifact_id"] = outcome.ArtifactID
	}
	return view
}

func (api *retrainerAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *retrainerAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get(requestid.Header),
	})
}

func decodeJSONAllowEmpty(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return errors.New("multiple JSON values")
	}
	return nil
}

func actorFromRequest(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return ""
	}
	if strings.TrimSpace(identity.Email) != "" {
		return identity.Email
	}
	return identity.Subject
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return value
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

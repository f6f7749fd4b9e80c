package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/readmit-labs/readmit-go/internal/config"
	"github.com/readmit-labs/readmit-go/internal/platform/auditlog"
	"github.com/readmit-labs/readmit-go/internal/platform/auth"
	"github.com/readmit-labs/readmit-go/internal/platform/env"
	"github.com/readmit-labs/readmit-go/internal/platform/httpserver"
	"github.com/readmit-labs/readmit-go/internal/platform/metrics"
	"github.com/readmit-labs/readmit-go/internal/platform/objectstore"
	"github.com/readmit-labs/readmit-go/internal/platform/postgres"
	pgrepo "github.com/readmit-labs/readmit-go/internal/repo/postgres"
	"github.com/readmit-labs/readmit-go/internal/service/artifacts"
	"github.com/readmit-labs/readmit-go/internal/service/promotion"
	"github.com/readmit-labs/readmit-go/internal/service/snapshots"
	"github.com/readmit-labs/readmit-go/internal/storage"
	"github.com/readmit-labs/readmit-go/internal/train"
	"github.com/readmit-labs/readmit-go/internal/train/dryrun"
	"github.com/readmit-labs/readmit-go/internal/train/httptrainer"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("READMIT_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("READMIT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	codeVersion := strings.TrimSpace(env.String("READMIT_CODE_VERSION", "dev"))
	if codeVersion == "" {
		logger.Error("missing code version", "env", "READMIT_CODE_VERSION")
		os.Exit(2)
	}

	pipeline, err := config.Load(env.String("READMIT_PIPELINE_SPEC", ""))
	if err != nil {
		logger.Error("invalid pipeline spec", "error", err)
		os.Exit(2)
	}
	gateSpec, err := pipeline.GateSpec()
	if err != nil {
		logger.Error("invalid gate spec", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	schemaCtx, cancelSchema := context.WithTimeout(ctx, 15*time.Second)
	if err := pgrepo.EnsureSchema(schemaCtx, db); err != nil {
		cancelSchema()
		logger.Error("schema bootstrap failed", "error", err)
		os.Exit(1)
	}
	cancelSchema()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	bucketCtx, cancelBuckets := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(bucketCtx, storeClient, storeCfg); err != nil {
		cancelBuckets()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancelBuckets()
	store := storage.NewMinioStore(storeClient)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("metrics registration failed", "error", err)
		os.Exit(2)
	}

	audit := func(ctx context.Context, event auditlog.Event) {
		if id, ok := httpserver.RequestIDFromContext(ctx); ok {
			event.RequestID = id
		}
		insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 750*time.Millisecond)
		defer cancel()
		if _, err := auditlog.Insert(insertCtx, db, event); err != nil {
			logger.Warn("audit insert failed", "action", string(event.Action), "error", err)
		}
	}

	snapshotStore := pgrepo.NewSnapshotStore(db)
	runStore := pgrepo.NewRunStore(db)
	ledgerStore := pgrepo.NewLedgerStore(db)
	artifactStore := pgrepo.NewArtifactStore(db)
	pointerStore := pgrepo.NewPointerStore(db)
	stageEventStore := pgrepo.NewStageEventStore(db)

	snapshotSvc := snapshots.New(logger, snapshotStore, store, snapshots.Config{
		Bucket:          storeCfg.BucketDatasets,
		NullTokens:      pipeline.Dataset.NullTokens,
		RequiredColumns: pipeline.Dataset.RequiredColumns,
	}, audit)
	artifactSvc := artifacts.New(logger, artifactStore, store, storeCfg.BucketModels)

	trainer, err := buildTrainer(pipeline)
	if err != nil {
		logger.Error("trainer init failed", "error", err)
		os.Exit(2)
	}

	controller := promotion.New(logger, promotion.Config{
		Pipeline:      pipeline,
		Gate:          gateSpec,
		CodeVersion:   codeVersion,
		ReportsBucket: storeCfg.BucketReports,
	}, promotion.Deps{
		Runs:        runStore,
		Snapshots:   snapshotStore,
		Ledger:      ledgerStore,
		Pointer:     pointerStore,
		StageEvents: stageEventStore,
		Artifacts:   artifactSvc,
		Trainer:     trainer,
		Store:       store,
		Audit:       audit,
	})
	if snapshotSvc == nil || artifactSvc == nil || controller == nil {
		logger.Error("service wiring failed")
		os.Exit(2)
	}

	// Runs left non-terminal by a crashed process must be failed as
	// interrupted before any new trigger is accepted.
	reconciled, err := controller.Reconcile(ctx)
	if err != nil {
		logger.Error("startup reconciliation failed", "error", err)
		os.Exit(1)
	}
	if reconciled > 0 {
		logger.Warn("reconciled interrupted runs", "count", reconciled)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("retrainer"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"retrainer",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)
	mux.Handle("/metrics", promhttp.Handler())

	api := newRetrainerAPI(logger, controller, snapshotSvc, retrainerAPIDeps{
		Runs:        runStore,
		Ledger:      ledgerStore,
		Events:      stageEventStore,
		Pointer:     pointerStore,
		Artifacts:   artifactSvc,
		ModelName:   pipeline.ModelName,
		DatasetPath: pipeline.Dataset.Path,
	})
	api.register(mux)

	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		oidcSvc, err := auth.NewOIDCService(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(2)
		}
		authenticator = oidcSvc
		registerLoginEndpoints(logger, mux, oidcSvc)
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeDisabled:
		logger.Warn("authentication disabled")
	}

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.InsertAuthDeny(auditCtx, db, "retrainer", event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz", "/metrics", "/auth/"},
		}.Wrap(mux)
	}

	startWatcher(ctx, logger, pipeline, snapshotSvc, controller)

	cfg := httpserver.Config{
		Service:         "retrainer",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "retrainer", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildTrainer(pipeline config.Pipeline) (train.Trainer, error) {
	mode := strings.ToLower(strings.TrimSpace(env.String("READMIT_TRAINER", "dryrun")))
	switch mode {
	case "", "dryrun":
		target, err := env.Float("READMIT_DRYRUN_TARGET_ROC_AUC", 0.75)
		if err != nil {
			return nil, err
		}
		return dryrun.New(target), nil
	case "http":
		endpoint := strings.TrimSpace(env.String("READMIT_TRAINER_ENDPOINT", pipeline.Training.WorkerEndpoint))
		return httptrainer.New(endpoint, pipeline.TrainingTimeout())
	default:
		return nil, errors.New("READMIT_TRAINER must be dryrun or http")
	}
}

func registerLoginEndpoints(logger *slog.Logger, mux *http.ServeMux, svc *auth.OIDCService) {
	login, err := svc.LoginHandler()
	if err != nil {
		logger.Warn("oidc login endpoints disabled", "error", err)
		return
	}
	callback, err := svc.CallbackHandler()
	if err != nil {
		logger.Warn("oidc login endpoints disabled", "error", err)
		return
	}
	mux.HandleFunc("GET /auth/login", login)
	mux.HandleFunc("GET /auth/callback", callback)
	mux.HandleFunc("POST /auth/logout", svc.LogoutHandler())
	mux.HandleFunc("GET /auth/session", svc.SessionHandler())
}

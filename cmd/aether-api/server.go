package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/bridge"
	"github.com/dukex/aether/pkg/cmd"
	"github.com/dukex/aether/pkg/eventbus"
	"github.com/dukex/aether/pkg/executor"
	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/orchestrator"
	"github.com/dukex/aether/pkg/persistence"
	"github.com/dukex/aether/pkg/policy"
	"github.com/dukex/aether/pkg/presets"
	"github.com/dukex/aether/pkg/provider"
	"github.com/dukex/aether/pkg/session"
	"github.com/dukex/aether/pkg/settings"
	"github.com/dukex/aether/pkg/web"
)

const serviceName = "aether-api"

type serverConfig struct {
	DataDir             string
	DatabaseURL         string
	EventBus            string
	KafkaBrokers        string
	Workspace           string
	APIKey              string
	ScaffoldDir         string
	HarnessPath         string
	AuditVerifySchedule string
	OtelEnabled         bool
}

// server owns every long-lived component of the API process.
type server struct {
	logger       *slog.Logger
	api          *API
	store        persistence.RunStore
	hub          *eventbus.Hub
	sessions     *session.Manager
	orchestrator *orchestrator.Orchestrator
	monitor      *audit.Monitor
}

func newServer(ctx context.Context, cfg serverConfig, logger *slog.Logger) (*server, error) {
	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	workspace := cfg.Workspace
	if workspace == "" {
		if workspace, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
	}

	settingsStore, err := settings.NewStore(filepath.Join(dataDir, "settings.yaml"), settings.Defaults(workspace), logger)
	if err != nil {
		return nil, err
	}

	if out := settingsStore.Get().AddonOutputPath; out != "" {
		if err := os.MkdirAll(out, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create addon output dir: %w", err)
		}
	}

	databaseURL := cfg.DatabaseURL
	if databaseURL == "" {
		databaseURL = filepath.Join(dataDir, "store")
	}

	store, err := cmd.NewPersistence(ctx, logger, databaseURL)
	if err != nil {
		return nil, err
	}

	hub, err := cmd.NewEventHub(cfg.EventBus, cfg.KafkaBrokers, logger)
	if err != nil {
		_ = store.Close(ctx)

		return nil, err
	}

	auditLog := audit.New(filepath.Join(dataDir, "audit.log"), logger)

	monitor := audit.NewMonitor(auditLog, cfg.AuditVerifySchedule, logger)
	if err := monitor.Start(ctx); err != nil {
		_ = hub.Close()
		_ = store.Close(ctx)

		return nil, err
	}

	engine, err := policy.NewEngine(ctx)
	if err != nil {
		monitor.Stop()
		_ = hub.Close()
		_ = store.Close(ctx)

		return nil, err
	}

	recorder := metrics.NewRecorder()
	tracer := cmd.NewTracer(ctx, cfg.OtelEnabled, serviceName, logger)
	sessions := session.NewManager(session.NewClient(), auditLog, logger)
	planner := provider.NewPlanner(provider.NewClient(settingsStore.ResolveAPIKey, recorder, tracer, logger), logger)

	orch := orchestrator.New(orchestrator.Config{
		RunsDir:     filepath.Join(dataDir, "runs"),
		ScaffoldDir: cfg.ScaffoldDir,
		HarnessPath: cfg.HarnessPath,
		WorkDir:     workspace,
	}, orchestrator.Deps{
		Store:    store,
		Settings: settingsStore,
		Planner:  planner,
		Executor: executor.New(cmd.NewRegistry(logger), bridge.New(sessions, engine), recorder, tracer, logger),
		Sessions: sessions,
		Auditor:  auditLog,
		Hub:      hub,
		Tracer:   tracer,
		Logger:   logger,
	})

	recovered, err := orch.RecoverOrphans(ctx)
	if err != nil {
		logger.WarnContext(ctx, "Failed to recover interrupted runs", "error", err)
	} else if recovered > 0 {
		logger.InfoContext(ctx, "Recovered interrupted runs", "count", recovered)
	}

	api := NewAPI(logger, web.Services{
		Runs:     orch,
		Sessions: sessions,
		Settings: settingsStore,
		Policy:   engine,
		Auditor:  auditLog,
		Events:   hub,
		Metrics:  recorder,
		Presets:  presets.NewStore(filepath.Join(dataDir, "presets.json"), logger),
	}, recorder.Registry(), cfg.APIKey)

	return &server{
		logger:       logger,
		api:          api,
		store:        store,
		hub:          hub,
		sessions:     sessions,
		orchestrator: orch,
		monitor:      monitor,
	}, nil
}

// Close stops the HTTP server, cancels in-flight runs and releases every backend.
func (s *server) Close(ctx context.Context) error {
	var errs []error

	if err := s.api.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}

	if err := s.orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}

	s.sessions.Close(ctx)
	s.monitor.Stop()

	if err := s.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("event hub: %w", err))
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("run store: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.ErrorContext(ctx, "Shutdown finished with errors", "error", err)
	}

	return err
}

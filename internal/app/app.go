package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/control"
	"github.com/ternarybob/curo/internal/handlers"
	"github.com/ternarybob/curo/internal/interfaces"
	"github.com/ternarybob/curo/internal/models"
	"github.com/ternarybob/curo/internal/pipeline"
	"github.com/ternarybob/curo/internal/registry"
	"github.com/ternarybob/curo/internal/services/events"
	"github.com/ternarybob/curo/internal/stages"
	"github.com/ternarybob/curo/internal/store"
	"github.com/ternarybob/curo/internal/stream"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Core services
	EventService interfaces.EventService
	StoreClient  interfaces.StoreClient
	Registry     *registry.Registry
	Deriver      *stages.Deriver
	Control      *control.Service
	Orchestrator *pipeline.Orchestrator
	Poller       *registry.Poller
	Consumer     *stream.Consumer // nil when the live update channel is disabled

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	WSHandler       *handlers.WebSocketHandler
	JobHandler      *handlers.JobHandler
	PipelineHandler *handlers.PipelineHandler
	StatusHandler   *handlers.StatusHandler

	// WebSocket bridges
	EventSubscriber *handlers.EventSubscriber
	LogFeed         *handlers.LogFeed
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}
	app.ctx, app.cancelCtx = context.WithCancel(context.Background())

	// Event bus first: every other component publishes through it
	app.EventService = events.NewService(logger)
	if err := events.SubscribeLoggerToAllEvents(app.EventService, logger); err != nil {
		logger.Warn().Err(err).Msg("Failed to subscribe event logger")
	}

	// Job registry with registry-to-bus bridge. Update and transition
	// notifications fan out to the dashboard through the event service.
	app.Registry = registry.New(cfg.Registry.CompletedHistorySize, logger)
	app.Registry.SubscribeUpdates(func(job *models.Job) {
		app.EventService.Publish(app.ctx, interfaces.Event{
			Type:    interfaces.EventJobUpdated,
			Payload: job,
		})
	})
	app.Registry.Subscribe(func(transition models.Transition) {
		app.EventService.Publish(app.ctx, interfaces.Event{
			Type:    interfaces.EventJobTransition,
			Payload: transition,
		})
	})

	// Job store client
	opts := []store.ClientOption{
		store.WithLogger(logger),
		store.WithTimeout(cfg.Store.Timeout()),
		store.WithRateLimit(cfg.Store.RateLimitPerSecond),
	}
	if cfg.Store.APIKey != "" {
		opts = append(opts, store.WithAPIKey(cfg.Store.APIKey))
	}
	app.StoreClient = store.NewClient(cfg.Store.BaseURL, opts...)
	logger.Debug().Str("base_url", cfg.Store.BaseURL).Msg("Job store client initialized")

	// Stage definitions (presentation metadata; a bad file is not fatal)
	if cfg.Stages.File != "" {
		defs, err := stages.LoadDefinitions(cfg.Stages.File)
		if err != nil {
			logger.Warn().Err(err).Str("file", cfg.Stages.File).Msg("Failed to load stage definitions, continuing without stages")
			app.Deriver = stages.NewDeriver(nil)
		} else {
			app.Deriver = stages.NewDeriver(defs)
			logger.Info().Int("job_types", len(defs)).Msg("Stage definitions loaded")
		}
	} else {
		app.Deriver = stages.NewDeriver(nil)
	}

	// Job control surface
	app.Control = control.NewService(app.StoreClient, app.Registry, cfg.Registry.Staleness(), logger)

	// Pipeline orchestrator
	app.Orchestrator = pipeline.NewOrchestrator(app.StoreClient, app.EventService, &cfg.Pipeline, logger)

	// Snapshot poller and live update channel (constructed now, started
	// after the handlers so early logs have somewhere to go)
	app.Poller = registry.NewPoller(app.StoreClient, app.Registry, cfg.Registry.PollInterval(), cfg.Registry.SnapshotLimit, logger)
	if cfg.Stream.Enabled && cfg.Stream.URL != "" {
		app.Consumer = stream.NewConsumer(&cfg.Stream, app.Registry, app.EventService, logger)
	} else {
		logger.Info().Msg("Live update channel disabled, relying on snapshot polling only")
	}

	// Initialize handlers
	if err := app.initHandlers(); err != nil {
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	// Start background components
	if err := app.Orchestrator.Start(app.ctx); err != nil {
		return nil, fmt.Errorf("failed to start pipeline scheduler: %w", err)
	}
	app.Poller.Start(app.ctx)
	if app.Consumer != nil {
		app.Consumer.Start(app.ctx)
	}

	logger.Info().
		Str("store_url", cfg.Store.BaseURL).
		Bool("stream_enabled", app.Consumer != nil).
		Int("stage_types", len(app.Deriver.JobTypes())).
		Msg("Application initialization complete")

	return app, nil
}

// initHandlers wires the HTTP and WebSocket surface
func (a *App) initHandlers() error {
	a.WSHandler = handlers.NewWebSocketHandler(a.Registry, a.Logger)

	// Bus-to-hub bridge with config-driven filtering and throttling
	a.EventSubscriber = handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger, &a.Config.WebSocket)

	// Arbor-to-hub log feed for the dashboard log pane
	a.LogFeed = handlers.NewLogFeed(a.WSHandler, &a.Config.WebSocket, a.Logger)
	a.Logger.SetChannel("context", a.LogFeed.GetChannel())
	a.LogFeed.Start()

	a.APIHandler = handlers.NewAPIHandler()
	a.JobHandler = handlers.NewJobHandler(a.Registry, a.StoreClient, a.Control, a.Deriver, a.Logger)
	a.PipelineHandler = handlers.NewPipelineHandler(a.Orchestrator, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.Registry, a.Poller, a.Consumer, a.Orchestrator, a.Logger)

	a.Logger.Debug().Msg("HTTP handlers initialized")
	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}

	// Stop feeders before the registry consumers drain
	if a.Consumer != nil {
		a.Consumer.Stop()
		a.Logger.Info().Msg("Stream consumer stopped")
	}
	if a.Poller != nil {
		a.Poller.Stop()
		a.Logger.Info().Msg("Snapshot poller stopped")
	}

	// Stop the pipeline scheduler (outstanding run bodies are cancelled
	// through the app context)
	if a.Orchestrator != nil {
		a.Orchestrator.Stop()
	}

	// Stop the log feed before the event service so late broadcasts drain
	if a.LogFeed != nil {
		a.LogFeed.Stop()
		a.Logger.Info().Msg("Log feed stopped")
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	return nil
}

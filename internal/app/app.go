package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	ghconnector "github.com/ternarybob/taskforge/internal/connectors/github"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/httpclient"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/queue"
	"github.com/ternarybob/taskforge/internal/services/events"
	"github.com/ternarybob/taskforge/internal/services/llm"
	"github.com/ternarybob/taskforge/internal/services/metrics"
	"github.com/ternarybob/taskforge/internal/services/pipeline"
	"github.com/ternarybob/taskforge/internal/services/scheduler"
	"github.com/ternarybob/taskforge/internal/services/transform"
	"github.com/ternarybob/taskforge/internal/storage"
	"github.com/ternarybob/taskforge/internal/workers/document"
	"github.com/ternarybob/taskforge/internal/workers/repository"
	"github.com/ternarybob/taskforge/internal/workers/research"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	EventService   *events.Service
	WebSocketHub   *events.WebSocketHub
	MetricsService *metrics.Service
	Registry       *queue.Registry
	JobService     *queue.JobService
	AIClient       interfaces.AIClient
	Executor       *pipeline.Executor
	Scheduler      *scheduler.Service
}

// New initializes the application with all dependencies. The scheduler is not started.
func New(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initEvents(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize events: %w", err)
	}

	if err := app.initServices(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("llm_provider", app.AIClient.Name()).
		Str("owner", app.JobService.Owner()).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initStorage(ctx context.Context) error {
	manager, err := storage.NewStorageManager(ctx, a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = manager
	return nil
}

// initEvents builds the event service and attaches the configured transports
func (a *App) initEvents(ctx context.Context) error {
	throttle := events.NewProgressThrottle(common.ParseDurationOr(a.Config.Events.ProgressThrottle, 0), a.Logger)
	a.EventService = events.NewService(a.Logger, throttle)

	for _, name := range a.Config.Events.Transports {
		switch name {
		case "log":
			subscriber := events.NewLoggerSubscriber(a.Logger)
			for _, eventType := range models.AllEventTypes() {
				if err := a.EventService.Subscribe(eventType, subscriber); err != nil {
					return err
				}
			}
		case "websocket":
			a.WebSocketHub = events.NewWebSocketHub(a.Logger)
			if err := a.WebSocketHub.Start(a.Config.Events.WebSocket); err != nil {
				return err
			}
			a.EventService.AddTransport(a.WebSocketHub)
		case "redis":
			transport, err := events.NewRedisTransport(ctx, a.Config.Events.Redis, a.Logger)
			if err != nil {
				return err
			}
			a.EventService.AddTransport(transport)
		default:
			return fmt.Errorf("unknown event transport %q", name)
		}
		a.Logger.Debug().Str("transport", name).Msg("Event transport enabled")
	}
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	a.MetricsService = metrics.NewService(
		a.StorageManager.MetricStorage(),
		a.StorageManager.JobStorage(),
		a.EventService,
		a.Config.Metrics.CostAlertThresholdUSD,
		a.Logger,
	)

	a.Registry = queue.NewRegistry(a.Logger)
	transformService := transform.NewService(a.Logger)
	fetchClient := httpclient.NewDefaultHTTPClient(30 * time.Second)
	github := ghconnector.NewConnector(a.Config.GitHub)

	handlers := []interfaces.JobHandler{
		research.NewHandler(a.Logger),
		document.NewSummaryHandler(transformService, fetchClient, a.Config.Pipeline.ChunkSize, a.Logger),
		repository.NewHandler(github, a.Config.Pipeline.ChunkSize, a.Logger),
	}
	for _, handler := range handlers {
		if err := a.Registry.Register(handler); err != nil {
			return err
		}
	}

	a.JobService = queue.NewJobService(
		a.StorageManager.JobStorage(),
		a.StorageManager.ScheduleStorage(),
		a.Registry,
		a.MetricsService,
		a.EventService,
		queue.ConfigFromCommon(a.Config),
		a.Logger,
	)

	client, err := llm.NewClientFromConfig(ctx, a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.AIClient = client

	a.Executor = pipeline.NewExecutor(a.JobService, a.AIClient, a.MetricsService, a.EventService, a.Config.Pipeline, a.Logger)
	a.Scheduler = scheduler.NewService(a.JobService, a.Executor, a.MetricsService, scheduler.ConfigFromCommon(a.Config), a.Logger)
	return nil
}

// Start seeds configured schedules and starts the polling loop
func (a *App) Start(ctx context.Context) error {
	seeded := a.Scheduler.SeedSchedules(ctx, a.Config.Schedules)
	if seeded < len(a.Config.Schedules) {
		a.Logger.Warn().
			Int("declared", len(a.Config.Schedules)).
			Int("seeded", seeded).
			Msg("Some configured schedules were rejected")
	}
	return a.Scheduler.Start(ctx)
}

// Close stops the scheduler, then closes events and storage
func (a *App) Close() error {
	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
			return err
		}
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/app"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"github.com/ternarybob/taskforge/internal/queue"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	storageType = flag.String("storage", "", "Storage backend: badger or postgres (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")

	// One-shot commands; without them the process runs the scheduler until interrupted
	submitType = flag.String("submit", "", "Enqueue a job of this type and exit")
	submitData = flag.String("data", "{}", "JSON payload for -submit")
	priority   = flag.String("priority", "", "Priority for -submit: low, normal, high or critical")
	delay      = flag.Duration("delay", 0, "Delay before the first run of -submit")
	repeat     = flag.String("repeat", "", "Recurring schedule for -submit (cron, @every or duration)")
	uniqueKey  = flag.String("unique-key", "", "Deduplication key for -submit")
	cancelID   = flag.String("cancel", "", "Cancel the job with this ID and exit")
	statusID   = flag.String("status", "", "Print the job with this ID and exit")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Taskforge version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("taskforge.toml"); err == nil {
			configFiles = append(configFiles, "taskforge.toml")
		}
	}

	// Startup order: config (defaults -> files -> env), CLI overrides, logger, banner
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *storageType, *logLevel)
	if err := config.Validate(); err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Invalid configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	defer common.RecoverWithCrashFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}
	defer application.Close()

	var command func(context.Context, *app.App, arbor.ILogger) int
	switch {
	case *submitType != "":
		command = submit
	case *cancelID != "":
		command = cancel
	case *statusID != "":
		command = status
	}
	if command != nil {
		code := command(ctx, application, logger)
		application.Close()
		os.Exit(code)
	}

	common.PrintBanner(common.GetVersion(), config)
	logger.Info().
		Strs("config_files", configFiles).
		Str("storage", config.Storage.Type).
		Msg("Application configuration loaded")

	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	logger.Info().Msg("Scheduler running - Press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info().Msg("Interrupt signal received - shutting down")
}

func submit(ctx context.Context, application *app.App, logger arbor.ILogger) int {
	opts := queue.EnqueueOptions{
		Priority:       models.ParsePriority(*priority),
		Delay:          *delay,
		RepeatSchedule: *repeat,
		UniqueKey:      *uniqueKey,
	}

	id, err := application.JobService.Enqueue(ctx, models.JobType(*submitType), json.RawMessage(*submitData), opts)
	if err != nil {
		logger.Error().Err(err).Str("job_type", *submitType).Msg("Job rejected")
		return 1
	}
	fmt.Println(id)
	return 0
}

func cancel(ctx context.Context, application *app.App, logger arbor.ILogger) int {
	result, err := application.JobService.Cancel(ctx, interfaces.JobQuery{ID: *cancelID})
	if err != nil {
		logger.Error().Err(err).Str("job_id", *cancelID).Msg("Cancel failed")
		return 1
	}
	fmt.Printf("removed=%d requested=%d\n", len(result.Removed), len(result.Requested))
	return 0
}

func status(ctx context.Context, application *app.App, logger arbor.ILogger) int {
	job, err := application.JobService.Get(ctx, *statusID)
	if err != nil {
		logger.Error().Err(err).Str("job_id", *statusID).Msg("Job lookup failed")
		return 1
	}

	now := application.JobService.Now()
	out, err := json.MarshalIndent(map[string]interface{}{
		"job":    job,
		"status": job.Status(now),
		"at":     now.Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode job")
		return 1
	}
	fmt.Println(string(out))
	return 0
}

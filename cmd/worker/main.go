package main

import (
	"context"

	zlog "github.com/rs/zerolog/log"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/umeshrajanna/deepship-api/internal/cache"
	"github.com/umeshrajanna/deepship-api/internal/config"
	"github.com/umeshrajanna/deepship-api/internal/events/redischan"
	"github.com/umeshrajanna/deepship-api/internal/logging"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
	"github.com/umeshrajanna/deepship-api/internal/research"
	"github.com/umeshrajanna/deepship-api/internal/workflows"
)

var (
	loadConfig      = config.Load
	newLogger       = logging.New
	dialTemporal    = client.Dial
	dialRedis       = redischan.Dial
	buildResearch   = research.Build
	newWorker       = worker.New
	workerInterrupt = worker.InterruptCh
)

func main() {
	if err := run(); err != nil {
		zlog.Fatal().Err(err).Msg("worker exited")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat).With().Str("service", "worker").Logger()

	temporalClient, err := dialTemporal(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
		Logger:    logging.NewTemporalLogger(logger),
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	rdb, err := dialRedis(context.Background(), cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	rt, err := buildResearch(cfg, cache.NewRedisScrape(rdb, cfg.ScrapeCacheTTL), logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	metrics.MustRegister()
	activities := workflows.NewJobActivities(redischan.New(rdb, logger), rt.Selector, logger)

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.JobWorkflow)
	w.RegisterActivityWithOptions(activities.RunJob, activity.RegisterOptions{Name: workflows.RunJobActivityName})
	w.RegisterActivityWithOptions(activities.PublishJobFailure, activity.RegisterOptions{Name: workflows.PublishJobFailureActivityName})

	logger.Info().Str("task_queue", cfg.TemporalTaskQueue).Msg("deepship worker started")
	return w.Run(workerInterrupt())
}

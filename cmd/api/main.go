package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"go.temporal.io/sdk/client"

	"github.com/umeshrajanna/deepship-api/internal/api"
	"github.com/umeshrajanna/deepship-api/internal/cache"
	"github.com/umeshrajanna/deepship-api/internal/config"
	"github.com/umeshrajanna/deepship-api/internal/events"
	"github.com/umeshrajanna/deepship-api/internal/events/redischan"
	"github.com/umeshrajanna/deepship-api/internal/jobs"
	"github.com/umeshrajanna/deepship-api/internal/llm"
	"github.com/umeshrajanna/deepship-api/internal/logging"
	"github.com/umeshrajanna/deepship-api/internal/metrics"
	"github.com/umeshrajanna/deepship-api/internal/quota"
	"github.com/umeshrajanna/deepship-api/internal/registry"
	"github.com/umeshrajanna/deepship-api/internal/research"
	"github.com/umeshrajanna/deepship-api/internal/store"
	"github.com/umeshrajanna/deepship-api/internal/store/memory"
	"github.com/umeshrajanna/deepship-api/internal/store/postgres"
	"github.com/umeshrajanna/deepship-api/internal/workflows"
)

const shutdownTimeout = 30 * time.Second

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadConfig    = config.Load
	newLogger     = logging.New
	newStore      = openStore
	dialRedis     = redischan.Dial
	dialTemporal  = client.Dial
	buildResearch = research.Build
	newServer     = func(deps api.Deps) server {
		return api.NewServer(deps)
	}
	notifyContext = signal.NotifyContext
)

var errChannelMismatch = errors.New("temporal task runner requires the redis job channel")

func main() {
	if err := run(); err != nil {
		zlog.Fatal().Err(err).Msg("api exited")
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat).With().Str("service", "api").Logger()

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.TaskRunner == "temporal" && cfg.JobChannel != "redis" {
		return errChannelMismatch
	}

	st, closeStore, err := newStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn().Err(err).Msg("close store")
		}
	}()

	var (
		channel     events.Channel
		history     cache.HistoryCache = cache.NoopHistory{}
		scrapeCache cache.ScrapeCache  = cache.NoopScrape{}
		limiter     quota.Limiter
	)
	switch cfg.JobChannel {
	case "memory":
		channel = events.NewBroker()
		limiter = quota.NewMemory(cfg.AnonymousLimit)
	case "redis":
		rdb, err := dialRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		channel = redischan.New(rdb, logger)
		history = cache.NewRedisHistory(rdb, cfg.HistoryCacheTTL)
		scrapeCache = cache.NewRedisScrape(rdb, cfg.ScrapeCacheTTL)
		limiter = quota.NewRedis(rdb, cfg.AnonymousLimit)
	default:
		return fmt.Errorf("unsupported job channel %q", cfg.JobChannel)
	}

	var (
		runner    jobs.TaskRunner
		canceller jobs.Canceller
		provider  llm.Provider
	)
	switch cfg.TaskRunner {
	case "temporal":
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
		service := workflows.NewService(temporalClient, cfg.TemporalTaskQueue, cfg.JobTimeout)
		runner, canceller = service, service
		provider, err = llm.NewProvider(research.LLMConfig(cfg))
		if err != nil {
			logger.Warn().Err(err).Msg("plain chat disabled")
		}
	case "local":
		rt, err := buildResearch(cfg, scrapeCache, logger)
		if err != nil {
			return err
		}
		defer rt.Close()
		local := workflows.NewLocalRunner(workflows.NewJobActivities(channel, rt.Selector, logger), cfg.JobTimeout)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := local.Shutdown(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("local runner shutdown")
			}
		}()
		runner, canceller = local, local
		provider = rt.LLM
	default:
		return fmt.Errorf("unsupported task runner %q", cfg.TaskRunner)
	}

	reg := registry.New(channel, registry.Config{SendTimeout: cfg.WSSendTimeout, Grace: cfg.ListenerGrace}, logger)
	defer reg.Close()

	metrics.MustRegister()
	srv := newServer(api.Deps{
		Store:      st,
		Dispatcher: jobs.NewDispatcher(st, channel, runner, history, logger),
		Canceller:  canceller,
		History:    history,
		Registry:   reg,
		LLM:        provider,
		Channel:    channel,
		Quota:      limiter,
		Config:     cfg,
		Log:        logger,
	})

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	logger.Info().
		Str("addr", addr).
		Str("store", cfg.Store).
		Str("job_channel", cfg.JobChannel).
		Str("task_runner", cfg.TaskRunner).
		Msg("deepship api listening")
	return srv.Start(ctx, addr)
}

func openStore(cfg config.Config) (store.Store, func() error, error) {
	switch cfg.Store {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "postgres":
		pg, err := postgres.New(cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store %q", cfg.Store)
	}
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaydesk/dispatch/internal/config"
	"github.com/relaydesk/dispatch/internal/repository/postgres"
	"github.com/relaydesk/dispatch/internal/service/alert"
	"github.com/relaydesk/dispatch/internal/service/scheduler"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/messaging"
	"github.com/relaydesk/dispatch/pkg/metrics"
	redisqueue "github.com/relaydesk/dispatch/pkg/queue/redis"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	appLogger := logger.FromZerolog(log.Logger).WithComponent("scheduler")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	broker, err := redisqueue.NewBroker(redisqueue.Config{
		URL:          cfg.Redis.URL,
		ConsumerID:   cfg.Queue.ConsumerID,
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryBackoff: cfg.Queue.RetryBackoff,
		PoolSize:     cfg.Queue.PoolSize,
		MinIdleConns: cfg.Queue.MinIdleConns,
	}, &log.Logger)
	if err != nil {
		appLogger.Fatal(err, "failed to connect to queue broker")
	}
	defer broker.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		appLogger.Fatal(err, "invalid redis URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	publisher := messaging.NewRedisPublisher(redisClient, &log.Logger)
	defer publisher.Close()
	alerts := alert.NewEmitter(publisher, appLogger)

	base := postgres.NewBaseRepository(db)
	sched := scheduler.New(
		scheduler.Config{
			TickInterval:        cfg.Scheduler.TickInterval,
			RecurrenceTolerance: cfg.Scheduler.RecurrenceTolerance,
			StalePendingAge:     cfg.Scheduler.StalePendingAge,
			BatchSize:           cfg.Scheduler.BatchSize,
			BatchDelay:          cfg.Scheduler.BatchDelay,
		},
		base,
		postgres.NewCampaignRepository(base),
		postgres.NewMessageRepository(base),
		postgres.NewChannelRepository(base),
		postgres.NewContactRepository(base),
		postgres.NewTemplateRepository(base),
		broker,
		alerts,
		metrics.New("dispatch_scheduler"),
		appLogger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(":8082", mux); err != nil {
			appLogger.Fatal(err, "ops server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("shutting down")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil {
		appLogger.Fatal(err, "scheduler exited")
	}
}

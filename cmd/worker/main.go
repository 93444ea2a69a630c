package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/google/uuid"

	"github.com/relaydesk/dispatch/internal/config"
	"github.com/relaydesk/dispatch/internal/model"
	"github.com/relaydesk/dispatch/internal/repository/postgres"
	"github.com/relaydesk/dispatch/internal/service/admission"
	"github.com/relaydesk/dispatch/internal/service/alert"
	"github.com/relaydesk/dispatch/internal/service/antispam"
	"github.com/relaydesk/dispatch/internal/service/dispatch"
	"github.com/relaydesk/dispatch/internal/service/health"
	"github.com/relaydesk/dispatch/internal/service/selector"
	"github.com/relaydesk/dispatch/internal/transport"
	"github.com/relaydesk/dispatch/pkg/logger"
	"github.com/relaydesk/dispatch/pkg/messaging"
	"github.com/relaydesk/dispatch/pkg/metrics"
	redisqueue "github.com/relaydesk/dispatch/pkg/queue/redis"
)

func setupOpsServer(appLogger *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(":8081", mux); err != nil {
			appLogger.Fatal(err, "ops server failed")
		}
	}()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	appLogger := logger.FromZerolog(log.Logger).WithComponent("worker")

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

	base := postgres.NewBaseRepository(db)
	campaignRepo := postgres.NewCampaignRepository(base)
	messageRepo := postgres.NewMessageRepository(base)
	channelRepo := postgres.NewChannelRepository(base)

	m := metrics.New("dispatch")

	publisher := messaging.NewRedisPublisher(redisClient, &log.Logger)
	defer publisher.Close()
	alerts := alert.NewEmitter(publisher, appLogger)

	// Channel restarts are provider-side; the engine flags the channel as
	// reconnecting and lets the provider integration pick it up.
	restart := func(channelID uuid.UUID) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := channelRepo.UpdateStatus(ctx, channelID, model.ChannelStatusConnecting); err != nil {
			appLogger.Error(err, "failed to flag channel for restart",
				"channel_id", channelID.String())
		}
	}

	monitor := health.NewMonitor(health.DefaultConfig(), channelRepo, campaignRepo,
		alerts, restart, m, appLogger)

	admStore := admission.NewRedisStore(redisClient)
	adm := admission.NewController(
		admStore,
		channelRepo,
		admission.Limits{
			PerMinute: cfg.Admission.PerMinute,
			PerHour:   cfg.Admission.PerHour,
			PerDay:    cfg.Admission.PerDay,
		},
		appLogger,
	)

	sel := selector.New(channelRepo, monitor, appLogger)
	rnd := antispam.New(time.Now().UnixNano())

	// The provider client is pluggable; the simulator stands in until a real
	// transport integration is configured.
	var client transport.Client = transport.NewSimulator(time.Now().UnixNano())

	worker := dispatch.NewWorker(
		dispatch.Config{
			Concurrency:  cfg.Worker.Concurrency,
			MaxRetries:   cfg.Worker.MaxRetries,
			RetryBackoff: cfg.Worker.RetryBackoff,
		},
		messageRepo, campaignRepo, channelRepo,
		broker, adm, admStore, sel, rnd, monitor, client, m, appLogger,
	)

	setupOpsServer(appLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLogger.Info("shutting down")
		cancel()
	}()

	sweep := cfg.Health.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	go monitor.Run(ctx, sweep)

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		appLogger.Fatal(err, "worker exited")
	}
}

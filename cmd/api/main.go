package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaydesk/dispatch/internal/config"
	campaignh "github.com/relaydesk/dispatch/internal/handler/campaign"
	healthh "github.com/relaydesk/dispatch/internal/handler/health"
	"github.com/relaydesk/dispatch/internal/repository/postgres"
	"github.com/relaydesk/dispatch/internal/router"
	campaignsvc "github.com/relaydesk/dispatch/internal/service/campaign"
	"github.com/relaydesk/dispatch/pkg/logger"
	redisqueue "github.com/relaydesk/dispatch/pkg/queue/redis"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	appLogger := logger.FromZerolog(log.Logger).WithComponent("api")

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

	base := postgres.NewBaseRepository(db)
	campaignRepo := postgres.NewCampaignRepository(base)
	messageRepo := postgres.NewMessageRepository(base)
	channelRepo := postgres.NewChannelRepository(base)

	svc := campaignsvc.NewService(base, campaignRepo, messageRepo, broker, appLogger)

	r := router.New(router.Config{RateLimit: 50, RateBurst: 100},
		campaignh.NewHandler(svc, appLogger),
		healthh.NewHandler(db, broker, channelRepo),
	)

	appLogger.Info("api server starting", "port", cfg.Server.Port)
	if err := r.Run(cfg.Server.Port); err != nil {
		appLogger.Fatal(err, "server exited")
	}
}

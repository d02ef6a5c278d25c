package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"conversation-intervention-engine/pkg/config"
	"conversation-intervention-engine/pkg/metrics"
	redisClient "conversation-intervention-engine/pkg/redis"
	"conversation-intervention-engine/pkg/service"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	logger.WithField("pod_id", cfg.PodID).Info("Starting conversation intervention engine")

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to Redis
	redis, err := redisClient.NewClient(redisClient.DefaultConnectionConfig(cfg.RedisURL), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewService(ctx, cfg, redis, logger, m, prometheus.DefaultGatherer)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create service")
	}

	if err := svc.Run(ctx); err != nil {
		logger.WithError(err).Error("Service stopped with error")
		return
	}

	logger.Info("Shutdown complete")
}

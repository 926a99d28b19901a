package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/icap-logistics/icap-track/config"
	"github.com/icap-logistics/icap-track/internal/broker/kafka"
	"github.com/icap-logistics/icap-track/internal/cache/rediscache"
	"github.com/icap-logistics/icap-track/internal/services/orders"
	"github.com/icap-logistics/icap-track/internal/storage/pgorders"
)

type trackdApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     trackdOpts
	svc      *orders.Service
	db       *pgorders.Storage
	consumer *kafka.Consumer
}

func mustBootstrapTrackd() *trackdApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config load failed: %v", err))
	}

	httpAddr := cfg.Trackd.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Trackd.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "trackd"
	}
	topic := cfg.Kafka.PointAppendedTopicName
	if topic == "" {
		topic = "tracking.point.appended"
	}

	validationTTL := time.Duration(cfg.Trackd.ValidationTTLSeconds) * time.Second
	lastPosTTL := time.Duration(cfg.Trackd.LastPositionTTLSeconds) * time.Second

	sslMode := cfg.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
	st := mustOpenPostgresWithRetry(connString, 60*time.Second)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	rc := rediscache.New(redisAddr)
	rl := rediscache.NewRateLimiter(redisAddr)

	brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
	producer := kafka.NewProducer(brokers)
	consumer := kafka.NewConsumer(brokers, topic, consumerGroup)

	svc := orders.New(st, rc, producer, rl, topic).
		WithTTLs(validationTTL, lastPosTTL).
		WithLocationRateLimit(int64(cfg.Trackd.LocationRateLimitPerMinute))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &trackdApp{
		ctx:    ctx,
		cancel: cancel,
		opts: trackdOpts{
			httpAddr:      httpAddr,
			topic:         topic,
			consumerGroup: consumerGroup,
		},
		svc:      svc,
		db:       st,
		consumer: consumer,
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgorders.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgorders.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *trackdApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *trackdApp) Run() error {
	return runTrackd(a.ctx, a.opts, a.svc, a.db, a.consumer)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhlam3011/alonha-sub002/internal/config"
	"github.com/nhlam3011/alonha-sub002/internal/database"
	"github.com/nhlam3011/alonha-sub002/internal/logger"
	"github.com/nhlam3011/alonha-sub002/internal/outbox"
	"github.com/nhlam3011/alonha-sub002/internal/repo"

	"github.com/segmentio/kafka-go"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLoggerWithLevel(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatal("kafka.brokers is empty, nothing to relay to")
	}

	gdb, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	// keyed by wallet id so one wallet's events stay on one partition
	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer kw.Close()

	relay := outbox.NewRelay(repo.NewRepository(gdb, nil, kw, log), log, time.Second, 100)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	relay.Run(ctx)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nhlam3011/alonha-sub002/internal/auth"
	"github.com/nhlam3011/alonha-sub002/internal/config"
	"github.com/nhlam3011/alonha-sub002/internal/database"
	"github.com/nhlam3011/alonha-sub002/internal/logger"
	"github.com/nhlam3011/alonha-sub002/internal/repo"
	"github.com/nhlam3011/alonha-sub002/internal/service"
	httptransport "github.com/nhlam3011/alonha-sub002/internal/transport/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLoggerWithLevel(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. database
	gdb, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := database.Migrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis, optional
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Warnf("redis ping failed, balance cache disabled: %v", err)
			_ = rdb.Close()
			rdb = nil
		}
	}

	// 5. repo & service, outbox publishing is cmd/poller's job
	opts, err := service.OptionsFromConfig(cfg.Wallet)
	if err != nil {
		log.Fatalf("wallet config: %v", err)
	}
	repository := repo.NewRepository(gdb, rdb, nil, log)
	svc := service.NewWalletService(repository, log, opts)
	if err := svc.SeedCatalog(context.Background(), cfg.Catalog.Packages); err != nil {
		log.Fatalf("seed catalog: %v", err)
	}

	// 6. gin router
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	gin.SetMode(gin.ReleaseMode)
	router := httptransport.NewRouter(svc, verifier, cfg, log)

	// 7. serve until signalled
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("wallet-server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}

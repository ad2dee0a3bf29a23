package main

import (
	"context"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"finchat/internal/api"
	"finchat/internal/auth"
	"finchat/internal/chat"
	"finchat/internal/config"
	"finchat/internal/engine"
	"finchat/internal/log"
	"finchat/internal/redis"
	"finchat/internal/storage"
)

const tokenTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load(os.Getenv("FINCHAT_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := log.New(cfg.BasicConfig.Debug)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbType := os.Getenv("FINCHAT_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database failed", zap.String("driver", dbType), zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	cache, err := redis.NewClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, running without caches", zap.Error(err))
		cache = nil
	} else {
		defer cache.Close()
	}

	authService := auth.NewService(db, cache, tokenTTL)

	registry := engine.NewRegistry(func(ctx context.Context) (*engine.Engine, error) {
		return engine.New(ctx, cfg, logger)
	}, logger)
	if cfg.Engine.PrewarmEnabled() {
		registry.Prewarm()
	}

	history := chat.NewHistoryCache(cache, logger)
	chatService := chat.NewService(db, registry, history, logger)

	if !cfg.BasicConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(logger), gin.Recovery())

	handler := api.NewHandler(chatService, authService, logger)
	handler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("server starting", zap.String("address", addr))
	if err := router.Run(addr); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

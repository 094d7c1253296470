package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"circulate/internal/app"
	"circulate/internal/config"
	"circulate/internal/identity"
	"circulate/internal/server"
	"circulate/internal/util"
	"circulate/pkg/availability"
	"circulate/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokens, err := identity.New(cfg.JWTSecret, cfg.JWTIssuer, 12*time.Hour)
	if err != nil {
		log.Fatalf("failed to init token signer: %v", err)
	}

	circulationStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var cache *availability.Cache
	if cfg.RedisAddr != "" {
		cache, err = availability.NewCache(cfg.RedisAddr, cfg.RedisPassword, "circulate", 5*time.Minute)
		if err != nil {
			log.Fatalf("failed to init availability cache: %v", err)
		}
	}

	appCore, err := app.New(app.Config{
		Store:              circulationStore,
		Cache:              cache,
		FineDailyRateCents: cfg.FineDailyRateCents,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:    appCore,
		Tokens: tokens,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("circulation server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}

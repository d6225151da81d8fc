package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parley/api/internal/app"
	"parley/api/internal/archive"
	"parley/api/internal/config"
	"parley/api/internal/coordinator"
	"parley/api/internal/dispatch"
	"parley/api/internal/fabric"
	"parley/api/internal/moderation"
	"parley/api/internal/notify"
	"parley/api/internal/registry"
	"parley/api/internal/search"
	"parley/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	bus, err := fabric.NewRedisFabric(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer bus.Close()

	var gateway coordinator.Gateway
	if strings.TrimSpace(cfg.ModerationURL) != "" {
		gateway = moderation.NewClient(cfg.ModerationURL, cfg.ModerationAPIKey, cfg.ModerationTimeout)
	} else {
		log.Printf("moderation gateway not configured, messages pass through unscreened")
	}

	var meiliClient *search.Meili
	var indexer coordinator.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		indexer = meiliClient
	}

	var archiver coordinator.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveService, err := archive.NewService(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object store connection failed: %v", err)
		}
		archiver = archiveService
	}

	var notifier coordinator.Notifier
	notifyService := notify.NewService(notify.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		Moderator: cfg.ModeratorEmail,
	})
	if notifyService.IsConfigured() {
		notifier = notifyService
	}

	conns := registry.New()
	coord := coordinator.New(dataStore, bus, conns, coordinator.Options{
		Gateway:        gateway,
		Indexer:        indexer,
		Archiver:       archiver,
		Notifier:       notifier,
		CloseThreshold: cfg.CloseThreshold,
		RecentLimit:    cfg.RecentMessageLimit,
		GatewayTimeout: cfg.ModerationTimeout,
	})
	dispatcher := dispatch.New(coord, bus)

	var searcher search.Searcher
	if meiliClient != nil {
		searcher = meiliClient
	}
	service := app.NewService(dataStore, coord, searcher, cfg.RecentMessageLimit, cfg.SyncToken)

	httpServer := app.NewHTTPServer(service, dispatcher, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Parley API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

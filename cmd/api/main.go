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

	_ "github.com/joho/godotenv/autoload"

	"receipts/api/internal/app"
	"receipts/api/internal/config"
	"receipts/api/internal/directory"
	"receipts/api/internal/ratelimit"
	"receipts/api/internal/search"
	"receipts/api/internal/store"
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

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliAPIKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
	}

	// Redis backs the block-list cache and the rate limiter. Without it the
	// API still serves, reading blocks straight from Postgres and unthrottled.
	var blockDirectory *directory.AuthorDirectory
	var limiter *ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		blockDirectory, err = directory.New(dataStore, cfg.RedisURL, cfg.BlockCacheTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer blockDirectory.Close()

		limiter, err = ratelimit.New(cfg.RedisURL, map[string]int{
			ratelimit.CategoryRead:   cfg.RateLimitRead,
			ratelimit.CategoryWrite:  cfg.RateLimitWrite,
			ratelimit.CategorySearch: cfg.RateLimitSearch,
		})
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer limiter.Close()
	} else {
		log.Printf("REDIS_URL empty, block cache and rate limiting disabled")
		blockDirectory = directory.NewWithClient(dataStore, nil, cfg.BlockCacheTTL)
	}

	service := app.New(cfg, dataStore, blockDirectory, searchService)

	httpServer := app.NewHTTPServer(service, limiter, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Receipts API listening on %s", cfg.Addr)
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

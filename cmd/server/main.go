package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/visitor-insights/internal/api"
	"github.com/ignite/visitor-insights/internal/archive"
	"github.com/ignite/visitor-insights/internal/audience"
	"github.com/ignite/visitor-insights/internal/cache"
	"github.com/ignite/visitor-insights/internal/config"
	"github.com/ignite/visitor-insights/internal/enrich"
	"github.com/ignite/visitor-insights/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis response cache; optional, the app runs without it.
	var responseCache *cache.Cache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — response caching disabled", cfg.Redis.Addr, err)
			redisClient.Close()
		} else {
			responseCache = cache.New(redisClient, cfg.Redis.TTL())
			log.Printf("Redis connected: %s (response caching enabled)", cfg.Redis.Addr)
		}
		pingCancel()
	} else {
		log.Println("Redis not configured — response caching disabled")
	}

	// S3 raw-payload archive; optional, imports proceed without it.
	var payloadArchive *archive.Archive
	if cfg.Archive.Bucket != "" {
		payloadArchive, err = archive.New(ctx, archive.Config{
			Bucket:     cfg.Archive.Bucket,
			Region:     cfg.Archive.Region,
			AWSProfile: cfg.Archive.GetAWSProfile(),
		})
		if err != nil {
			log.Printf("Warning: S3 archive init failed: %v — payload archival disabled", err)
			payloadArchive = nil
		} else {
			log.Printf("S3 payload archive enabled (bucket: %s)", cfg.Archive.Bucket)
		}
	}

	enrichClient := enrich.NewClient(enrich.Config{
		APIKey:               cfg.Enrichment.APIKey,
		MaxRetries:           cfg.Enrichment.MaxRetries,
		FullFetchBatchPages:  cfg.Import.FullFetchBatchPages,
		ChunkFetchBatchPages: cfg.Import.ChunkFetchBatchPages,
	})

	store := audience.NewStore(db)
	writer := audience.NewWriter(store, audience.WriterConfig{
		InsertBatchSize: cfg.Import.InsertBatchSize,
		UpdateBatchSize: cfg.Import.UpdateBatchSize,
		KeyScanWindow:   cfg.Import.KeyScanWindow,
	})
	pipeline := audience.NewPipeline(store, enrichClient, writer)

	defaultScope := audience.Scope{
		OwnerID: os.Getenv("DEFAULT_OWNER_ID"),
		PixelID: os.Getenv("DEFAULT_PIXEL_ID"),
	}
	importer := audience.NewImporter(store, enrichClient, payloadArchive, audience.NewPGAuditSink(db), defaultScope)
	importer.SetPipeline(pipeline)

	refresher := worker.NewRefresher(store, pipeline, cfg.Refresh.Interval())
	if cfg.Refresh.Enabled {
		refresher.Start()
		log.Printf("Auto-refresh worker started (interval: %dm)", cfg.Refresh.IntervalMinutes)
	} else {
		log.Println("Auto-refresh worker disabled")
	}

	importHandler := api.NewImportHandler(importer, responseCache)
	audienceHandler := api.NewAudienceHandler(store, responseCache, defaultScope)
	router := api.SetupRoutes(importHandler, audienceHandler, refresher, cfg.Server.AllowedOrigins)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	cancel()
	refresher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	db.Close()

	log.Println("Server stopped")
}

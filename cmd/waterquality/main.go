package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/GLAS-Education/water-quality/internal/auth"
	"github.com/GLAS-Education/water-quality/internal/cache"
	"github.com/GLAS-Education/water-quality/internal/config"
	"github.com/GLAS-Education/water-quality/internal/server"
	"github.com/GLAS-Education/water-quality/internal/storage"
)

func main() {
	// Optional .env for local development
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("WQ_CONFIG"))
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// Initialize storage
	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Connected to DuckDB: %s", cfg.DatabasePath)

	sessions, err := auth.NewSessions(cfg.SessionDBPath, cfg.SessionPepper)
	if err != nil {
		log.Fatalf("Failed to initialize session store: %v", err)
	}

	qcache := cache.New(time.Duration(cfg.CacheTTLSeconds) * time.Second)
	gate := auth.NewGate(store)
	deviceKey := auth.NewDeviceKey(cfg.APIKey)

	// Create server
	srv := server.New(server.Config{Port: cfg.Port}, store, qcache, deviceKey, sessions, gate)
	log.Printf("Starting server on :%d", cfg.Port)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")

	// Give outstanding requests 5 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if err := store.Close(); err != nil {
		log.Printf("Error closing storage: %v", err)
	}
	if err := sessions.Close(); err != nil {
		log.Printf("Error closing session store: %v", err)
	}

	log.Println("Server exited")
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/wfcore/internal/bootstrap"
	"github.com/example/wfcore/internal/observability"
)

func main() {
	loadDotEnv()
	port := strings.TrimSpace(os.Getenv("WFCORE_PORT"))
	if port == "" {
		port = "8080"
	}

	shutdownTrace, err := observability.InitTracingFromEnv("wfcore-coordinator")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewAppFromEnv(ctx)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	go func() {
		if err := app.Coordinator.Run(ctx); err != nil {
			log.Printf("coordinator loop stopped: %v", err)
		}
	}()

	srv := &http.Server{Addr: ":" + port, Handler: app.Handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("wfcore coordinator listening on :%s (pipeline %s)", port, app.Config.PipelineVersion)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("coordinator failed: %v", err)
	}
	log.Println("wfcore coordinator shutting down")
}

// loadDotEnv loads the nearest .env in the working directory or its parents.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				log.Printf("load %s: %v", envPath, err)
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

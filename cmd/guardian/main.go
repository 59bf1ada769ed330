package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"costguardian/internal/config"
	"costguardian/internal/httpapi"
)

func main() {
	probeOnce := flag.Bool("probe-once", false, "run one probe round and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	handler, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	if *probeOnce {
		if deps.Prober == nil {
			log.Fatalf("Probing is disabled; set PROBE_ENABLED=true")
		}
		deps.Prober.ProbeAll(context.Background())
		deps.Worker.Stop()
		if err := deps.DB.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
		return
	}

	proberCtx, stopProber := context.WithCancel(context.Background())
	defer stopProber()
	if deps.Prober != nil {
		go deps.Prober.Run(proberCtx)
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Cost guardian listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop the prober first so nothing new is enqueued, then drain the
	// ingest worker, then release the store.
	stopProber()
	deps.Worker.Stop()

	if err := deps.Queue.Close(); err != nil {
		log.Printf("Failed to close queue: %v", err)
	}
	if err := deps.DB.Close(); err != nil {
		log.Printf("Failed to close store: %v", err)
	}

	log.Println("Server exited")
}

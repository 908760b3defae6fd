package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/database"
	"github.com/docpipe/docpipe/services"
	"github.com/docpipe/docpipe/services/cron"
)

// Standalone worker process. Claims queued documents and runs the extraction
// pipeline; scale by running more instances against the same Redis and
// Postgres.
func main() {
	if err := config.LoadENV(); err != nil {
		log.Printf("no .env loaded: %v", err)
	}

	env, err := config.Get()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := database.StartGORM()
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer store.Close()

	if err := store.Init(); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	svc, err := services.Setup(env, store)
	if err != nil {
		log.Fatalf("services: %v", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := svc.NewWorkerPool()
	pool.Start(ctx)

	var janitor *cron.Manager
	if os.Getenv("CRON_ENABLED") != "false" {
		janitor = cron.NewManager(svc.Queue, store)
		if err := janitor.Start(); err != nil {
			log.Printf("Warning: failed to start cron jobs: %v", err)
		}
	}

	<-ctx.Done()
	log.Println("shutting down, waiting for in-flight documents...")

	pool.Wait()
	if janitor != nil {
		janitor.Stop()
	}
}

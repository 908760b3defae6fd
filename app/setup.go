package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/docpipe/docpipe/api"
	"github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/database"
	"github.com/docpipe/docpipe/router"
	"github.com/docpipe/docpipe/services"
	"github.com/docpipe/docpipe/services/cron"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err
	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	// Initialize GORM database connection
	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		return err
	}

	if err := store.Init(); err != nil {
		print("Failed to initialize database tables\n")
		return err
	}

	// Wire the shared service graph
	svc, err := services.Setup(getEnv, store)
	if err != nil {
		store.Close()
		return err
	}

	// In-process workers, on by default. Disable when a dedicated worker
	// deployment handles the queue.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var pool = svc.NewWorkerPool()
	if os.Getenv("WORKERS_ENABLED") != "false" {
		pool.Start(workerCtx)
	}

	// Cron janitor (only if enabled via environment variable)
	var cronManager *cron.Manager
	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		cronManager = cron.NewManager(svc.Queue, store)
		if err := cronManager.Start(); err != nil {
			print("Warning: Failed to start cron jobs\n")
			print("Error: ", err.Error(), "\n")
			// Don't fail the app, just log the warning
		}
	}

	// Defer stopping workers, cron jobs and closing shared resources
	defer func() {
		stopWorkers()
		pool.Wait()
		if cronManager != nil {
			cronManager.Stop()
		}
		svc.Close()
		store.Close()
	}()

	// Init API
	var server *api.APIServer = api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT), getEnv.MAX_UPLOAD_BYTES)
	app := server.GetEngine()

	// Attach Middleware
	// Custom Logger
	app.Use(logger.New())

	app.Use(recover.New())

	// Setup Routes
	router.SetupRoutes(app, svc)

	// Get the PORT & Start the Server
	return server.Run()
}

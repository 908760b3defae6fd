package cron

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/queue"
)

// StaleHeartbeat is how long a Processing document's heartbeat may go silent
// before the janitor returns it to Pending
const StaleHeartbeat = 60 * time.Second

// StaleStore is the document maintenance the janitor performs
type StaleStore interface {
	ResetStaleProcessing(ctx context.Context, olderThan time.Duration) ([]uint, error)
}

// Manager runs the background maintenance jobs: sweeping expired queue
// leases, promoting delayed jobs and resetting documents whose worker died
type Manager struct {
	cron  *cron.Cron
	queue queue.JobQueue
	store StaleStore
}

// NewManager creates a cron manager with seconds precision
func NewManager(q queue.JobQueue, store StaleStore) *Manager {
	return &Manager{
		cron:  cron.New(cron.WithSeconds()),
		queue: q,
		store: store,
	}
}

// Start registers and starts all scheduled jobs
func (m *Manager) Start() error {
	log.Println("Starting cron jobs...")

	// Every 15 seconds: requeue expired leases and ready delayed jobs
	if _, err := m.cron.AddFunc("*/15 * * * * *", m.sweepQueue); err != nil {
		return err
	}

	// Every minute: reset Processing documents with a silent heartbeat
	if _, err := m.cron.AddFunc("0 * * * * *", m.resetStaleDocuments); err != nil {
		return err
	}

	m.cron.Start()
	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops the scheduler and waits for running jobs to finish
func (m *Manager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

func (m *Manager) sweepQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	moved, err := m.queue.SweepExpired(ctx)
	if err != nil {
		log.Printf("[cron] queue sweep failed: %v", err)
		return
	}
	if moved > 0 {
		log.Printf("[cron] requeued %d job(s)", moved)
	}
}

func (m *Manager) resetStaleDocuments() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ids, err := m.store.ResetStaleProcessing(ctx, StaleHeartbeat)
	if err != nil {
		log.Printf("[cron] stale document reset failed: %v", err)
		return
	}
	for _, id := range ids {
		log.Printf("[cron] document %d reset to %s after silent heartbeat", id, model.StatusPending)
	}
}

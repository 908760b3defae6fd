package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/services/pipeline"
	"github.com/docpipe/docpipe/services/progress"
	"github.com/docpipe/docpipe/services/queue"
)

const (
	claimWait    = 5 * time.Second
	initialLease = 2 * time.Minute
)

// nack delays per delivery attempt, exponential with a cap
func nackDelay(attempt int) time.Duration {
	delay := 5 * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= 2*time.Minute {
			return 2 * time.Minute
		}
	}
	return delay
}

// FailStore marks documents failed when their retry budget is exhausted
type FailStore interface {
	FailExhaustedDocument(ctx context.Context, id uint, errMsg string) error
}

// Pool runs the configured number of workers, each claiming and processing
// one document at a time
type Pool struct {
	queue       queue.JobQueue
	engine      *pipeline.Engine
	store       FailStore
	tracker     *progress.Tracker
	concurrency int
	timeout     time.Duration

	wg sync.WaitGroup
}

// Config wires the pool
type Config struct {
	Queue       queue.JobQueue
	Engine      *pipeline.Engine
	Store       FailStore
	Tracker     *progress.Tracker
	Concurrency int
	Timeout     time.Duration // document wall-clock timeout
}

func NewPool(cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	return &Pool{
		queue:       cfg.Queue,
		engine:      cfg.Engine,
		store:       cfg.Store,
		tracker:     cfg.Tracker,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
	}
}

// Start launches the workers. They run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[worker] starting %d worker(s)", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.run(ctx, n)
		}(i)
	}
}

// Wait blocks until all workers have exited
func (p *Pool) Wait() {
	p.wg.Wait()
	log.Println("[worker] all workers stopped")
}

func (p *Pool) run(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}

		lease, err := p.queue.Claim(ctx, claimWait, initialLease)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("[worker %d] claim failed: %v", n, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if lease == nil {
			continue
		}

		p.handle(ctx, n, lease)
	}
}

func (p *Pool) handle(ctx context.Context, n int, lease *queue.Lease) {
	job := lease.Job

	// Attempt budget spent: promote the nack to an ack with the document
	// marked Failed
	if job.Attempt > queue.MaxAttempts {
		log.Printf("[worker %d] document %d exhausted %d attempts, marking failed",
			n, job.DocumentID, queue.MaxAttempts)
		p.failExhausted(ctx, job.DocumentID)
		p.settle(ctx, lease.Token, true, 0)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	res, err := p.engine.Process(runCtx, job, lease, p.queue)
	cancel()

	switch res {
	case pipeline.ResultCompleted, pipeline.ResultSkipped, pipeline.ResultFailed:
		p.settle(ctx, lease.Token, true, 0)
	case pipeline.ResultCancelled:
		if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Shutdown, not a user cancellation: give the job back
			p.settle(context.Background(), lease.Token, false, 0)
			return
		}
		p.settle(ctx, lease.Token, true, 0)
	case pipeline.ResultRetry:
		log.Printf("[worker %d] document %d attempt %d failed transiently: %v",
			n, job.DocumentID, job.Attempt, err)
		if job.Attempt >= queue.MaxAttempts {
			p.failExhausted(ctx, job.DocumentID)
			p.settle(ctx, lease.Token, true, 0)
			return
		}
		p.settle(ctx, lease.Token, false, nackDelay(job.Attempt))
	}
}

// settle acks or nacks, tolerating a lease that already expired
func (p *Pool) settle(ctx context.Context, token string, ack bool, delay time.Duration) {
	var err error
	if ack {
		err = p.queue.Ack(ctx, token)
	} else {
		err = p.queue.Nack(ctx, token, delay)
	}
	if err != nil && !errors.Is(err, queue.ErrLeaseNotFound) {
		log.Printf("[worker] failed to settle lease %s: %v", token, err)
	}
}

func (p *Pool) failExhausted(ctx context.Context, docID uint) {
	msg := fmt.Sprintf("failed after %d attempts", queue.MaxAttempts)
	if err := p.store.FailExhaustedDocument(ctx, docID, msg); err != nil {
		log.Printf("[worker] failed to mark document %d failed: %v", docID, err)
	}
	if err := p.tracker.Publish(ctx, model.StatusSnapshot{
		DocumentID:   docID,
		Status:       model.StatusFailed,
		ErrorMessage: msg,
	}); err != nil {
		log.Printf("[worker] failed to publish failure for document %d: %v", docID, err)
	}
}

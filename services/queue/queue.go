package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/docpipe/docpipe/model"
	"github.com/google/uuid"
)

// MaxAttempts is the number of delivery attempts before a job is promoted to
// a permanent failure instead of being redelivered
const MaxAttempts = 3

// ErrLeaseNotFound is returned when a lease token is unknown or already
// settled
var ErrLeaseNotFound = errors.New("lease not found")

// Lease is one claimed job plus the token the worker uses to settle it
type Lease struct {
	Token    string
	Job      model.Job
	Deadline time.Time
}

// JobQueue is the durable work queue contract. Claimed jobs stay invisible
// until acked, nacked or their lease expires; a crashed worker's jobs come
// back via SweepExpired.
type JobQueue interface {
	// Enqueue makes the job visible to workers
	Enqueue(ctx context.Context, job model.Job) error

	// Claim blocks up to wait for a job and leases it for leaseFor.
	// Returns nil when nothing became available.
	Claim(ctx context.Context, wait, leaseFor time.Duration) (*Lease, error)

	// Ack settles a lease, removing the job permanently
	Ack(ctx context.Context, token string) error

	// Nack returns the job to the queue after delay with its attempt count
	// incremented
	Nack(ctx context.Context, token string, delay time.Duration) error

	// ExtendLease pushes the visibility deadline out for a long-running job
	ExtendLease(ctx context.Context, token string, leaseFor time.Duration) error

	// SweepExpired requeues jobs whose lease lapsed and promotes delayed
	// jobs whose ready time arrived. Returns how many jobs moved.
	SweepExpired(ctx context.Context) (int, error)

	// Len reports the number of jobs currently visible to workers
	Len(ctx context.Context) (int64, error)
}

// MemoryQueue is an in-process JobQueue used in tests and single-node runs
// without Redis
type MemoryQueue struct {
	mu      sync.Mutex
	ready   []model.Job
	leases  map[string]leaseEntry
	delayed []delayedEntry
	notify  chan struct{}
}

type leaseEntry struct {
	job      model.Job
	deadline time.Time
}

type delayedEntry struct {
	job     model.Job
	readyAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		leases: make(map[string]leaseEntry),
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job model.Job) error {
	q.mu.Lock()
	q.ready = append(q.ready, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, wait, leaseFor time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			job := q.ready[0]
			q.ready = q.ready[1:]

			token := uuid.New().String()
			leaseDeadline := time.Now().Add(leaseFor)
			q.leases[token] = leaseEntry{job: job, deadline: leaseDeadline}
			q.mu.Unlock()

			return &Lease{Token: token, Job: job, Deadline: leaseDeadline}, nil
		}
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leases[token]; !ok {
		return ErrLeaseNotFound
	}
	delete(q.leases, token)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, token string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.leases[token]
	if !ok {
		return ErrLeaseNotFound
	}
	delete(q.leases, token)

	entry.job.Attempt++
	if delay <= 0 {
		q.ready = append(q.ready, entry.job)
		select {
		case q.notify <- struct{}{}:
		default:
		}
		return nil
	}

	q.delayed = append(q.delayed, delayedEntry{job: entry.job, readyAt: time.Now().Add(delay)})
	return nil
}

func (q *MemoryQueue) ExtendLease(ctx context.Context, token string, leaseFor time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.leases[token]
	if !ok {
		return ErrLeaseNotFound
	}
	entry.deadline = time.Now().Add(leaseFor)
	q.leases[token] = entry
	return nil
}

func (q *MemoryQueue) SweepExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	moved := 0

	for token, entry := range q.leases {
		if entry.deadline.Before(now) {
			delete(q.leases, token)
			entry.job.Attempt++
			q.ready = append(q.ready, entry.job)
			moved++
		}
	}

	// Promote delayed jobs whose ready time arrived, oldest first
	sort.Slice(q.delayed, func(i, j int) bool {
		return q.delayed[i].readyAt.Before(q.delayed[j].readyAt)
	})
	remaining := q.delayed[:0]
	for _, entry := range q.delayed {
		if !entry.readyAt.After(now) {
			q.ready = append(q.ready, entry.job)
			moved++
		} else {
			remaining = append(remaining, entry)
		}
	}
	q.delayed = remaining

	if moved > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return moved, nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready)), nil
}

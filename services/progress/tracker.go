package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docpipe/docpipe/model"
	"github.com/docpipe/docpipe/utils/cache"
)

// TTL configurations for document state snapshots in Redis
const (
	StateTTLCompleted = 1 * time.Hour
	StateTTLFailed    = 24 * time.Hour
	StateTTLActive    = 24 * time.Hour
	CancelTTL         = 24 * time.Hour
)

// Tracker publishes status snapshots to the in-process bus and mirrors them
// into Redis so status survives API restarts while a worker is mid-document.
// It also owns the cancellation tombstones the pipeline polls.
type Tracker struct {
	bus   *Bus
	cache *cache.RedisCache

	// In-memory tombstones used when no Redis cache is configured
	mu        sync.Mutex
	cancelled map[uint]struct{}
}

// NewTracker creates a tracker. The Redis cache may be nil for single-node
// runs without Redis; tombstones then live only in this process.
func NewTracker(bus *Bus, redisCache *cache.RedisCache) *Tracker {
	return &Tracker{
		bus:       bus,
		cache:     redisCache,
		cancelled: make(map[uint]struct{}),
	}
}

// Bus exposes the underlying bus for subscribers
func (t *Tracker) Bus() *Bus {
	return t.bus
}

// Publish fans the snapshot out to live subscribers and stores it in Redis
func (t *Tracker) Publish(ctx context.Context, snap model.StatusSnapshot) error {
	t.bus.Publish(snap.DocumentID, snap)

	if t.cache == nil {
		return nil
	}

	ttl := StateTTLActive
	switch snap.Status {
	case model.StatusCompleted:
		ttl = StateTTLCompleted
	case model.StatusFailed:
		ttl = StateTTLFailed
	}

	stateKey := fmt.Sprintf(model.RedisKeyJobState, snap.DocumentID)
	if err := t.cache.SetJSON(ctx, stateKey, snap, ttl); err != nil {
		return fmt.Errorf("failed to save document state: %w", err)
	}
	return nil
}

// GetSnapshot returns the last published snapshot for a document, or nil when
// none is stored
func (t *Tracker) GetSnapshot(ctx context.Context, docID uint) (*model.StatusSnapshot, error) {
	if t.cache == nil {
		return nil, nil
	}

	var snap model.StatusSnapshot
	stateKey := fmt.Sprintf(model.RedisKeyJobState, docID)
	err := t.cache.GetJSON(ctx, stateKey, &snap)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Cancel sets the cancellation tombstone for a document. Running pipeline
// stages check it at every stage boundary and abandon the document.
func (t *Tracker) Cancel(ctx context.Context, docID uint) error {
	if t.cache == nil {
		t.mu.Lock()
		t.cancelled[docID] = struct{}{}
		t.mu.Unlock()
		return nil
	}
	cancelKey := fmt.Sprintf(model.RedisKeyCancel, docID)
	return t.cache.Set(ctx, cancelKey, "1", CancelTTL)
}

// IsCancelled checks whether the document's cancellation tombstone is set
func (t *Tracker) IsCancelled(ctx context.Context, docID uint) bool {
	if t.cache == nil {
		t.mu.Lock()
		_, ok := t.cancelled[docID]
		t.mu.Unlock()
		return ok
	}
	cancelKey := fmt.Sprintf(model.RedisKeyCancel, docID)
	val, err := t.cache.Get(ctx, cancelKey)
	return err == nil && val == "1"
}

// Discard drops the stored snapshot and closes live subscriptions after a
// document is deleted. The cancellation tombstone stays in place so an
// in-flight worker still observes it at its next stage boundary.
func (t *Tracker) Discard(ctx context.Context, docID uint) error {
	t.bus.CloseDocument(docID)

	if t.cache == nil {
		return nil
	}
	return t.cache.Delete(ctx, fmt.Sprintf(model.RedisKeyJobState, docID))
}

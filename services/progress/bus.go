package progress

import (
	"sync"

	"github.com/docpipe/docpipe/model"
)

// subscriberBuffer bounds each subscriber's channel. A slow consumer loses
// the oldest snapshots, never the newest.
const subscriberBuffer = 16

// Bus is the in-process publish/subscribe surface for document status
// snapshots. Subscribers see events published after they subscribe plus one
// replayed current snapshot. Nothing survives a process restart.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint]map[*Subscription]struct{}
	latest map[uint]model.StatusSnapshot
}

// Subscription is one subscriber's view of a document's snapshot stream
type Subscription struct {
	C      chan model.StatusSnapshot
	docID  uint
	closed bool
}

func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint]map[*Subscription]struct{}),
		latest: make(map[uint]model.StatusSnapshot),
	}
}

// Publish fans the snapshot out to all subscribers of the document and
// records it for replay to future subscribers
func (b *Bus) Publish(docID uint, snap model.StatusSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[docID] = snap
	for sub := range b.subs[docID] {
		sub.deliver(snap)
	}
}

// Subscribe registers for a document's snapshots. The current snapshot, if
// any, is replayed immediately.
func (b *Bus) Subscribe(docID uint) *Subscription {
	sub := &Subscription{
		C:     make(chan model.StatusSnapshot, subscriberBuffer),
		docID: docID,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[docID] == nil {
		b.subs[docID] = make(map[*Subscription]struct{})
	}
	b.subs[docID][sub] = struct{}{}

	if snap, ok := b.latest[docID]; ok {
		sub.deliver(snap)
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.closed {
		return
	}
	sub.closed = true

	if set, ok := b.subs[sub.docID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.docID)
		}
	}
	close(sub.C)
}

// CloseDocument closes every live subscription for a document and drops its
// replay snapshot. Called after the document is deleted so streaming clients
// see the channel close instead of idling forever.
func (b *Bus) CloseDocument(docID uint) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.latest, docID)
	for sub := range b.subs[docID] {
		sub.closed = true
		close(sub.C)
	}
	delete(b.subs, docID)
}

// deliver sends without blocking, dropping the oldest buffered snapshot when
// the subscriber is behind. Caller must hold the bus lock.
func (s *Subscription) deliver(snap model.StatusSnapshot) {
	if s.closed {
		return
	}
	for {
		select {
		case s.C <- snap:
			return
		default:
			select {
			case <-s.C:
			default:
			}
		}
	}
}

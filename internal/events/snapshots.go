// Package events fans portfolio snapshots out to in-process subscribers and NATS.
package events

import (
	"sync"

	"github.com/vadiminshakov/martibooks/internal/domain"
)

// SnapshotBroadcaster fans out snapshots to all subscribers via buffered channels.
type SnapshotBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan domain.PortfolioSnapshot]struct{}
	buffer int
	last   *domain.PortfolioSnapshot
}

// NewSnapshotBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewSnapshotBroadcaster(buffer int) *SnapshotBroadcaster {
	if buffer < 1 {
		buffer = 16
	}

	return &SnapshotBroadcaster{
		subs:   make(map[chan domain.PortfolioSnapshot]struct{}),
		buffer: buffer,
	}
}

// Publish sends the snapshot to all subscribers, dropping it for slow readers.
func (b *SnapshotBroadcaster) Publish(s domain.PortfolioSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = &s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			// drop slow consumer
		}
	}
}

// Subscribe returns a channel that receives snapshots until Unsubscribe is called.
// The latest snapshot, if any, is delivered first.
func (b *SnapshotBroadcaster) Subscribe() chan domain.PortfolioSnapshot {
	ch := make(chan domain.PortfolioSnapshot, b.buffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	if b.last != nil {
		ch <- *b.last
	}
	b.mu.Unlock()

	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *SnapshotBroadcaster) Unsubscribe(ch chan domain.PortfolioSnapshot) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscribers returns the number of active subscribers.
func (b *SnapshotBroadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

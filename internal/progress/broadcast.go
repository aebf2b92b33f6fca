package progress

import (
	"context"
	"sync"
)

// Broadcaster fans progress snapshots out to all active subscribers
// (SSE clients watching a consumption run).
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan Snapshot
	next int
}

// NewBroadcaster initialises an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Snapshot)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// snapshots. The channel is closed when the provided context ends.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the snapshot to all subscribers.
func (b *Broadcaster) Publish(snap Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- snap:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

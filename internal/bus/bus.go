package bus

import (
	"sync"

	"github.com/carbono-zero/co2-live/internal/session"
)

// subscriberBuffer lets a subscriber fall a few snapshots behind before
// publications to it are skipped.
const subscriberBuffer = 16

// Bus provides fan-out pub/sub semantics for *session.Snapshot* messages.
// Each Subscribe call gets its own channel that receives every future
// publication. Past messages are not replayed. The implementation is safe for
// concurrent publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan *session.Snapshot
	closed      bool
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a read-only channel that will receive all future
// snapshots. The channel is closed by Close.
func (b *Bus) Subscribe() <-chan *session.Snapshot {
	ch := make(chan *session.Snapshot, subscriberBuffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subscribers = append(b.subscribers, ch)
	}
	b.mu.Unlock()
	return ch
}

// Publish delivers the snapshot to all subscribers in a best-effort, non-blocking
// way. A subscriber whose buffer is full misses this snapshot; snapshots are
// complete states, so the next one supersedes it.
func (b *Bus) Publish(s *session.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- s:
		default:
		}
	}
}

// Close closes every subscriber channel. Later publications are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}

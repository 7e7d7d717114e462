// Package syncer runs the push-then-pull sync cycle and exposes its
// observable state.
package syncer

import (
	"sync"

	"github.com/alexjbarnes/ledger-sync/internal/models"
)

// Tracker holds the current SyncState and fans updates out to
// subscribers. Slow subscribers lose their oldest undelivered update.
type Tracker struct {
	mu     sync.Mutex
	state  models.SyncState
	subs   map[int]chan models.SyncState
	nextID int
}

// NewTracker returns a tracker in the IDLE state.
func NewTracker() *Tracker {
	return &Tracker{
		state: models.SyncState{Status: models.StatusIdle},
		subs:  make(map[int]chan models.SyncState),
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() models.SyncState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return copyState(t.state)
}

// Update applies fn to the state and notifies subscribers.
func (t *Tracker) Update(fn func(*models.SyncState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fn(&t.state)

	snap := copyState(t.state)
	for _, ch := range t.subs {
		sendDropOldest(ch, snap)
	}
}

// Subscribe returns a channel of state updates and a function that
// unsubscribes and closes it.
func (t *Tracker) Subscribe(buffer int) (<-chan models.SyncState, func()) {
	if buffer < 1 {
		buffer = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++

	ch := make(chan models.SyncState, buffer)
	t.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

func copyState(s models.SyncState) models.SyncState {
	if s.LastSyncTime != nil {
		ts := *s.LastSyncTime
		s.LastSyncTime = &ts
	}

	return s
}

// sendDropOldest delivers v without blocking, evicting the oldest
// buffered value when ch is full.
func sendDropOldest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}

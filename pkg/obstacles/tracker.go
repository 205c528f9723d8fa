package obstacles

import (
	"fmt"
	"log/slog"
	"sync"
)

const logPrefix = "obstacles:tracker"

// Tracker holds the obstacles reported by perception. Obstacles reported since the last
// ClearNew are "new"; they are the ones a collision check considers.
type Tracker struct {
	mu      sync.Mutex
	current []Obstacle
	fresh   []Obstacle
	changed chan struct{}
	updates int64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{changed: make(chan struct{})}
}

// Update replaces the perceived obstacle list. Obstacles absent from the previous list are
// recorded as new and wake every Changed waiter.
func (t *Tracker) Update(list []Obstacle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added int
	for _, o := range list {
		if !contains(t.current, o) {
			t.fresh = append(t.fresh, o)
			added++
		}
	}
	t.current = append([]Obstacle(nil), list...)
	t.updates++
	if added == 0 {
		return
	}
	slog.Debug(fmt.Sprintf("%s - %d new obstacle(s), %d tracked", logPrefix, added, len(t.current)))
	close(t.changed)
	t.changed = make(chan struct{})
}

func contains(list []Obstacle, o Obstacle) bool {
	for _, c := range list {
		if c == o {
			return true
		}
	}
	return false
}

// Changed returns a channel closed when new obstacles appear.
func (t *Tracker) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// ClearNew forgets which obstacles are new.
func (t *Tracker) ClearNew() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fresh = nil
}

// CollidesAny tests the new obstacles against footprints and returns the first hit.
func (t *Tracker) CollidesAny(footprints []Footprint) (Obstacle, int, bool) {
	t.mu.Lock()
	fresh := append([]Obstacle(nil), t.fresh...)
	t.mu.Unlock()

	for i, f := range footprints {
		for _, o := range fresh {
			if f.Intersects(o) {
				return o, i, true
			}
		}
	}
	return Obstacle{}, -1, false
}

// Snapshot returns a copy of the tracked obstacles.
func (t *Tracker) Snapshot() []Obstacle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Obstacle(nil), t.current...)
}

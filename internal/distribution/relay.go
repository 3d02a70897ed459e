package distribution

import (
	"log/slog"
	"sync"
)

// JPEG is a decoded frame ready to be written to viewers. Data is shared
// between all viewers and must not be modified.
type JPEG struct {
	Time int64
	Data []byte
}

// Viewer is the interface a re-stream client implements to receive frames
// from a Relay.
type Viewer interface {
	ID() string
	Send(frame *JPEG)
	Stats() ViewerStats
}

// Relay is the fan-out hub for a single stream. It distributes frames from
// the pipeline to all attached viewers and keeps the newest frame so that
// a late-joining viewer has an image immediately.
type Relay struct {
	log     *slog.Logger
	mu      sync.RWMutex
	viewers map[string]Viewer

	latestMu sync.RWMutex
	latest   *JPEG
}

// NewRelay creates a Relay with no viewers. If log is nil, slog.Default()
// is used.
func NewRelay(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:     log.With("component", "relay"),
		viewers: make(map[string]Viewer),
	}
}

// AddViewer sends the cached frame to the viewer, then registers it for
// live delivery. The replay happens first so Broadcast cannot deliver a
// newer frame ahead of it.
func (r *Relay) AddViewer(v Viewer) {
	if f, ok := r.Latest(); ok {
		v.Send(f)
	}

	r.mu.Lock()
	r.viewers[v.ID()] = v
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer added", "viewer", v.ID(), "viewers", n)
}

// RemoveViewer unregisters a viewer by ID.
func (r *Relay) RemoveViewer(id string) {
	r.mu.Lock()
	delete(r.viewers, id)
	n := len(r.viewers)
	r.mu.Unlock()

	r.log.Info("viewer removed", "viewer", id, "viewers", n)
}

// Broadcast caches frame as the newest and sends it to every viewer.
func (r *Relay) Broadcast(frame *JPEG) {
	r.latestMu.Lock()
	r.latest = frame
	r.latestMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.viewers {
		v.Send(frame)
	}
}

// Latest returns the most recently broadcast frame.
func (r *Relay) Latest() (*JPEG, bool) {
	r.latestMu.RLock()
	defer r.latestMu.RUnlock()
	return r.latest, r.latest != nil
}

// ViewerCount returns the number of attached viewers.
func (r *Relay) ViewerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// ViewerStatsAll returns delivery metrics for every attached viewer.
func (r *Relay) ViewerStatsAll() []ViewerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := make([]ViewerStats, 0, len(r.viewers))
	for _, v := range r.viewers {
		stats = append(stats, v.Stats())
	}
	return stats
}

// Package stream tracks the named MJPEG feeds the service is pulling,
// providing create/open/remove/list operations used by the API and the
// startup configuration.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/mjpegtap/internal/session"
)

// ErrNotFound is returned when no stream is registered under a key.
var ErrNotFound = errors.New("stream: not found")

// Stream is a named feed backed by one re-openable session.
type Stream struct {
	Key       string
	StartedAt time.Time
	Session   *session.Session
	done      chan struct{}
}

// Done is closed when the stream is removed from its Manager.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Manager manages the lifecycle of named streams.
type Manager struct {
	log     *slog.Logger
	cfg     session.Config
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a stream manager whose sessions share cfg. If log is
// nil, slog.Default() is used.
func NewManager(cfg session.Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "stream-manager"),
		cfg:     cfg,
		streams: make(map[string]*Stream),
	}
}

// Create registers a new closed stream whose frames go to consumer. Returns
// the stream and true if created, or the existing stream and false if the
// key is taken.
func (m *Manager) Create(key string, consumer session.Consumer) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[key]; ok {
		return s, false
	}

	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		Session:   session.New(m.cfg, consumer, m.log.With("stream", key)),
		done:      make(chan struct{}),
	}

	m.streams[key] = s
	m.log.Info("stream created", "key", key)
	return s, true
}

// Get returns the stream registered under key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Open points the stream's session at url. Opening the URL the session is
// already streaming is a no-op. The connection lives until ctx is
// cancelled, the stream is removed, or the feed ends.
func (m *Manager) Open(ctx context.Context, key, url string) error {
	s, ok := m.Get(key)
	if !ok {
		return ErrNotFound
	}
	return s.Session.Open(ctx, url)
}

// Remove closes the stream's session and unregisters it. It reports whether
// a stream was removed.
func (m *Manager) Remove(key string) bool {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		s.Session.Close()
		close(s.done)
		m.log.Info("stream removed", "key", key)
	}
	return ok
}

// List returns all registered streams ordered by key.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })
	return streams
}

// CloseAll removes every stream.
func (m *Manager) CloseAll() {
	for _, s := range m.List() {
		m.Remove(s.Key)
	}
}

// Package pipeline is the consumer side of a stream session: it takes the
// ring snapshot produced after every completed frame, decodes the newest
// image once and forwards it to the Relay while collecting telemetry and
// Prometheus metrics.
package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/mjpegtap/internal/distribution"
	"github.com/zsiec/mjpegtap/internal/framebuf"
	"github.com/zsiec/mjpegtap/internal/metrics"
	"github.com/zsiec/mjpegtap/internal/session"
)

// Broadcaster is the subset of distribution.Relay that the pipeline uses to
// fan out frames to viewers.
type Broadcaster interface {
	Broadcast(frame *distribution.JPEG)
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
}

// SessionStatter supplies the counters of the session feeding the pipeline.
type SessionStatter interface {
	Stats() session.Stats
}

// Pipeline bridges a single stream's Session and Relay. Consume is passed to
// the session as its consumer callback.
type Pipeline struct {
	log        *slog.Logger
	relay      Broadcaster
	streamKey  string
	metrics    *metrics.Metrics
	frameStats *distribution.FrameStats
	startTime  time.Time

	mu       sync.Mutex // guards the fields below
	protocol string
	src      SessionStatter
	prev     session.Stats

	delivered       atomic.Int64
	decodeErrors    atomic.Int64
	lastDeliveredAt atomic.Int64
	lastConsumeUs   atomic.Int64
	maxConsumeUs    atomic.Int64
}

// New creates a Pipeline that broadcasts the frames of streamKey via relay.
// m may be nil to disable Prometheus metrics. If log is nil, slog.Default()
// is used.
func New(streamKey string, relay Broadcaster, m *metrics.Metrics, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:        log.With("component", "pipeline", "stream", streamKey),
		relay:      relay,
		streamKey:  streamKey,
		metrics:    m,
		frameStats: distribution.NewFrameStats(),
		startTime:  time.Now(),
	}
}

// SetProtocol records the transport name (e.g. "http", "srt") for the
// stats snapshot.
func (p *Pipeline) SetProtocol(proto string) {
	p.mu.Lock()
	p.protocol = proto
	p.mu.Unlock()
}

// Bind attaches the session whose counters are reported alongside the
// pipeline's own. The session is created with Consume as its consumer, so
// it can only be bound after construction.
func (p *Pipeline) Bind(src SessionStatter) {
	p.mu.Lock()
	p.src = src
	p.prev = session.Stats{}
	p.mu.Unlock()
}

// Consume handles the snapshot taken after a frame was appended: the newest
// frame is decoded and broadcast. It runs on the session's read goroutine.
func (p *Pipeline) Consume(snap framebuf.Snapshot) {
	start := time.Now()
	defer p.recordConsumeTime(start)

	f, ok := snap.Latest()
	if !ok {
		return
	}

	img, err := f.JPEG()
	if err != nil {
		p.decodeErrors.Add(1)
		p.frameStats.RecordDecodeError()
		p.log.Warn("frame image is not valid base64", "time", f.Time, "error", err)
		return
	}

	p.frameStats.RecordFrame(int64(len(img)), f.Time)
	if p.metrics != nil {
		p.metrics.Frames.WithLabelValues(p.streamKey).Inc()
		p.metrics.FrameBytes.WithLabelValues(p.streamKey).Observe(float64(len(img)))
	}

	p.relay.Broadcast(&distribution.JPEG{Time: f.Time, Data: img})
	p.delivered.Add(1)
	p.lastDeliveredAt.Store(time.Now().UnixMilli())

	p.SyncMetrics()
}

func (p *Pipeline) recordConsumeTime(start time.Time) {
	us := time.Since(start).Microseconds()
	p.lastConsumeUs.Store(us)
	for {
		cur := p.maxConsumeUs.Load()
		if us <= cur || p.maxConsumeUs.CompareAndSwap(cur, us) {
			return
		}
	}
}

// SyncMetrics folds the session's counter deltas into the Prometheus
// collectors. It is called after every frame and periodically by the
// service so that byte counts advance while no frame completes.
func (p *Pipeline) SyncMetrics() {
	if p.metrics == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.src == nil {
		return
	}
	cur := p.src.Stats()
	prev := p.prev
	p.prev = cur

	key := p.streamKey
	add := func(c interface{ Add(float64) }, delta int64) {
		if delta > 0 {
			c.Add(float64(delta))
		}
	}
	add(p.metrics.Chunks.WithLabelValues(key), cur.Chunks-prev.Chunks)
	add(p.metrics.IngestBytes.WithLabelValues(key), cur.Bytes-prev.Bytes)
	add(p.metrics.HeaderMisses.WithLabelValues(key), cur.HeaderMisses-prev.HeaderMisses)
	add(p.metrics.HeaderResets.WithLabelValues(key), cur.HeaderResets-prev.HeaderResets)
	add(p.metrics.Oversized.WithLabelValues(key), cur.Oversized-prev.Oversized)
	add(p.metrics.Connects.WithLabelValues(key), cur.Connects-prev.Connects)
	p.metrics.Viewers.WithLabelValues(key).Set(float64(p.relay.ViewerCount()))
}

// StreamSnapshot returns a point-in-time snapshot of stream health metrics.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	p.mu.Lock()
	proto, src := p.protocol, p.src
	p.mu.Unlock()

	snap := distribution.StreamSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		Protocol:    proto,
		Frames:      p.frameStats.Snapshot(),
		ViewerCount: p.relay.ViewerCount(),
		Viewers:     p.relay.ViewerStatsAll(),
	}
	if src != nil {
		snap.Session = src.Stats()
	}
	return snap
}

// PipelineDebug returns the delivery counters for the
// /api/streams/{key}/debug endpoint.
func (p *Pipeline) PipelineDebug() distribution.PipelineDebugStats {
	return distribution.PipelineDebugStats{
		Delivered:       p.delivered.Load(),
		DecodeErrors:    p.decodeErrors.Load(),
		LastDeliveredAt: p.lastDeliveredAt.Load(),
		LastConsumeUs:   p.lastConsumeUs.Load(),
		MaxConsumeUs:    p.maxConsumeUs.Load(),
	}
}

// FrameStats returns the underlying frame statistics collector.
func (p *Pipeline) FrameStats() *distribution.FrameStats {
	return p.frameStats
}

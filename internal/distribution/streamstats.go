package distribution

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/mjpegtap/internal/session"
)

// statsWindow is the span of the FPS and bitrate sliding windows.
const statsWindow = 2 * time.Second

// FrameStatsSnapshot holds point-in-time frame metrics for a stream.
type FrameStatsSnapshot struct {
	TotalFrames   int64   `json:"totalFrames"`
	TotalBytes    int64   `json:"totalBytes"`
	LastFrameSize int64   `json:"lastFrameSize"`
	LastFrameTime int64   `json:"lastFrameTime,omitempty"`
	LatencyMs     int64   `json:"latencyMs"`
	FrameRate     float64 `json:"frameRate"`
	BitrateKbps   float64 `json:"bitrateKbps"`
	TimeErrors    int64   `json:"timeErrors"`
	DecodeErrors  int64   `json:"decodeErrors"`
}

// ViewerStats captures per-viewer delivery metrics for the MJPEG re-stream.
type ViewerStats struct {
	ID          string `json:"id"`
	RemoteAddr  string `json:"remoteAddr,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
	Sent        int64  `json:"sent"`
	Dropped     int64  `json:"dropped"`
	BytesSent   int64  `json:"bytesSent"`
}

// StreamSnapshot is the stats payload for one stream, returned by the list
// and debug endpoints.
type StreamSnapshot struct {
	Timestamp   int64              `json:"ts"`
	UptimeMs    int64              `json:"uptimeMs"`
	Protocol    string             `json:"protocol"`
	Frames      FrameStatsSnapshot `json:"frames"`
	Session     session.Stats      `json:"session"`
	ViewerCount int                `json:"viewerCount"`
	Viewers     []ViewerStats      `json:"viewers,omitempty"`
}

type sizeEntry struct {
	ts    time.Time
	bytes int64
}

// FrameStats accumulates frame telemetry with atomic counters and a
// sliding window for rate calculations. Safe for concurrent use.
type FrameStats struct {
	now func() time.Time

	frames        atomic.Int64
	bytes         atomic.Int64
	lastSize      atomic.Int64
	lastFrameTime atomic.Int64
	latencyMs     atomic.Int64
	timeErrors    atomic.Int64
	decodeErrors  atomic.Int64

	windowMu sync.Mutex
	window   []sizeEntry
}

// NewFrameStats creates an empty FrameStats.
func NewFrameStats() *FrameStats {
	return &FrameStats{now: time.Now}
}

// RecordFrame records a frame's payload size and its stream timestamp in
// epoch milliseconds. A timestamp that goes backwards or jumps more than
// five seconds counts as a time error.
func (fs *FrameStats) RecordFrame(size int64, ts int64) {
	fs.frames.Add(1)
	fs.bytes.Add(size)
	fs.lastSize.Store(size)

	now := fs.now()
	fs.latencyMs.Store(now.UnixMilli() - ts)

	last := fs.lastFrameTime.Swap(ts)
	if last > 0 {
		delta := ts - last
		if delta < 0 || delta > 5_000 {
			fs.timeErrors.Add(1)
		}
	}

	fs.windowMu.Lock()
	fs.window = append(fs.window, sizeEntry{ts: now, bytes: size})
	cutoff := now.Add(-statsWindow)
	i := 0
	for i < len(fs.window) && fs.window[i].ts.Before(cutoff) {
		i++
	}
	fs.window = fs.window[i:]
	fs.windowMu.Unlock()
}

// RecordDecodeError counts a frame whose image column could not be decoded.
func (fs *FrameStats) RecordDecodeError() {
	fs.decodeErrors.Add(1)
}

// FPS computes the current frame rate over the sliding window.
func (fs *FrameStats) FPS() float64 {
	fs.windowMu.Lock()
	defer fs.windowMu.Unlock()

	if len(fs.window) < 2 {
		return 0
	}
	dur := fs.window[len(fs.window)-1].ts.Sub(fs.window[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	return float64(len(fs.window)-1) / dur
}

// BitrateKbps computes the payload bitrate over the sliding window.
func (fs *FrameStats) BitrateKbps() float64 {
	fs.windowMu.Lock()
	defer fs.windowMu.Unlock()

	if len(fs.window) < 2 {
		return 0
	}
	dur := fs.window[len(fs.window)-1].ts.Sub(fs.window[0].ts).Seconds()
	if dur <= 0 {
		return 0
	}
	var total int64
	for _, e := range fs.window[1:] {
		total += e.bytes
	}
	return float64(total*8) / dur / 1000
}

// Snapshot returns the current metrics.
func (fs *FrameStats) Snapshot() FrameStatsSnapshot {
	return FrameStatsSnapshot{
		TotalFrames:   fs.frames.Load(),
		TotalBytes:    fs.bytes.Load(),
		LastFrameSize: fs.lastSize.Load(),
		LastFrameTime: fs.lastFrameTime.Load(),
		LatencyMs:     fs.latencyMs.Load(),
		FrameRate:     fs.FPS(),
		BitrateKbps:   fs.BitrateKbps(),
		TimeErrors:    fs.timeErrors.Load(),
		DecodeErrors:  fs.decodeErrors.Load(),
	}
}

package pipeline

import (
	"bytes"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zsiec/mjpegtap/internal/distribution"
	"github.com/zsiec/mjpegtap/internal/framebuf"
	"github.com/zsiec/mjpegtap/internal/media"
	"github.com/zsiec/mjpegtap/internal/metrics"
	"github.com/zsiec/mjpegtap/internal/session"
)

type stubRelay struct {
	mu     sync.Mutex
	frames []*distribution.JPEG
}

func (r *stubRelay) Broadcast(f *distribution.JPEG) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *stubRelay) ViewerCount() int { return 0 }

func (r *stubRelay) ViewerStatsAll() []distribution.ViewerStats { return nil }

type stubSession struct {
	mu    sync.Mutex
	stats session.Stats
}

func (s *stubSession) Stats() session.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *stubSession) set(st session.Stats) {
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}

func snapshotOf(frames ...media.Frame) framebuf.Snapshot {
	r := framebuf.NewRing(len(frames) + 1)
	for _, f := range frames {
		r.Append(f)
	}
	return r.Snapshot()
}

func TestConsumeBroadcastsNewestFrame(t *testing.T) {
	t.Parallel()

	relay := &stubRelay{}
	p := New("cam", relay, nil, nil)

	p.Consume(snapshotOf(
		media.NewFrame(1000, []byte{0xFF, 0xD8, 0x01}),
		media.NewFrame(2000, []byte{0xFF, 0xD8, 0x02}),
	))

	if len(relay.frames) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(relay.frames))
	}
	got := relay.frames[0]
	if got.Time != 2000 || !bytes.Equal(got.Data, []byte{0xFF, 0xD8, 0x02}) {
		t.Fatalf("broadcast = {%d %x}, want {2000 ffd802}", got.Time, got.Data)
	}

	debug := p.PipelineDebug()
	if debug.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1", debug.Delivered)
	}
	if debug.LastDeliveredAt == 0 {
		t.Error("LastDeliveredAt not set")
	}
	if fs := p.FrameStats().Snapshot(); fs.TotalFrames != 1 || fs.TotalBytes != 3 {
		t.Errorf("frame stats = %+v, want 1 frame of 3 bytes", fs)
	}
}

func TestConsumeEmptySnapshot(t *testing.T) {
	t.Parallel()

	relay := &stubRelay{}
	p := New("cam", relay, nil, nil)
	p.Consume(framebuf.Snapshot{})

	if len(relay.frames) != 0 {
		t.Fatalf("broadcasts = %d, want 0", len(relay.frames))
	}
}

func TestConsumeDecodeError(t *testing.T) {
	t.Parallel()

	relay := &stubRelay{}
	p := New("cam", relay, nil, nil)
	p.Consume(snapshotOf(media.Frame{Time: 1, Image: "not base64!"}))

	if len(relay.frames) != 0 {
		t.Fatalf("broadcasts = %d, want 0", len(relay.frames))
	}
	if got := p.PipelineDebug().DecodeErrors; got != 1 {
		t.Fatalf("DecodeErrors = %d, want 1", got)
	}
}

func TestSyncMetricsDeltas(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	src := &stubSession{}
	p := New("cam", &stubRelay{}, m, nil)
	p.Bind(src)

	src.set(session.Stats{Chunks: 3, Bytes: 300, Connects: 1})
	p.SyncMetrics()
	src.set(session.Stats{Chunks: 5, Bytes: 420, HeaderMisses: 2, Connects: 1})
	p.SyncMetrics()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"chunks", testutil.ToFloat64(m.Chunks.WithLabelValues("cam")), 5},
		{"bytes", testutil.ToFloat64(m.IngestBytes.WithLabelValues("cam")), 420},
		{"header misses", testutil.ToFloat64(m.HeaderMisses.WithLabelValues("cam")), 2},
		{"connects", testutil.ToFloat64(m.Connects.WithLabelValues("cam")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestConsumeRecordsFrameMetrics(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	p := New("cam", &stubRelay{}, m, nil)

	for i := int64(0); i < 3; i++ {
		p.Consume(snapshotOf(media.NewFrame(1000+i, []byte{0xFF, 0xD8})))
	}

	if got := testutil.ToFloat64(m.Frames.WithLabelValues("cam")); got != 3 {
		t.Fatalf("frames = %v, want 3", got)
	}
}

func TestStreamSnapshot(t *testing.T) {
	t.Parallel()

	src := &stubSession{}
	src.set(session.Stats{ID: "abc", URL: "http://cam", Open: true, Buffered: 2, Capacity: 30})

	p := New("cam", &stubRelay{}, nil, nil)
	p.SetProtocol("http")
	p.Bind(src)

	snap := p.StreamSnapshot()
	if snap.Protocol != "http" {
		t.Errorf("Protocol = %q, want http", snap.Protocol)
	}
	if snap.Session.URL != "http://cam" || !snap.Session.Open {
		t.Errorf("Session = %+v, want the bound session's stats", snap.Session)
	}
	if snap.ViewerCount != 0 {
		t.Errorf("ViewerCount = %d, want 0", snap.ViewerCount)
	}
}

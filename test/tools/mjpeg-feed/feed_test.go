package main

import (
	"bytes"
	"image/jpeg"
	"testing"
	"time"

	"github.com/zsiec/mjpegtap/internal/mjpeg"
)

func TestGeneratorProducesJPEG(t *testing.T) {
	t.Parallel()

	g := newGenerator(64, 48, 60)
	for i := 0; i < 3; i++ {
		data, err := g.Next(time.Unix(1_700_000_000, 0))
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
			t.Fatalf("frame %d does not start with SOI", i)
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("DecodeConfig: %v", err)
		}
		if cfg.Width != 64 || cfg.Height != 48 {
			t.Fatalf("size = %dx%d, want 64x48", cfg.Width, cfg.Height)
		}
	}
}

func TestRawPartParses(t *testing.T) {
	t.Parallel()

	g := newGenerator(32, 32, 50)
	var stream []byte
	var want []frame
	for i := 0; i < 4; i++ {
		data, err := g.Next(time.Now())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		f := frame{time: int64(1000 + i), data: data}
		want = append(want, f)
		stream = append(stream, rawPart(f)...)
	}

	frames := mjpeg.NewAssembler(mjpeg.WithMarkerInPayload()).Feed(stream)
	if len(frames) != len(want) {
		t.Fatalf("frames = %d, want %d", len(frames), len(want))
	}
	for i, f := range frames {
		img, err := f.JPEG()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Time != want[i].time || !bytes.Equal(img, want[i].data) {
			t.Fatalf("frame %d differs from what was sent", i)
		}
	}
}

func TestHubSkipsSlowSubscribers(t *testing.T) {
	t.Parallel()

	h := newHub()
	ch, unsubscribe := h.Subscribe()

	h.Publish(frame{time: 1})
	h.Publish(frame{time: 2})

	if got := (<-ch).time; got != 1 {
		t.Fatalf("first frame time = %d, want 1", got)
	}
	select {
	case f := <-ch:
		t.Fatalf("unexpected frame %d, slow subscriber should skip", f.time)
	default:
	}

	unsubscribe()
	h.Publish(frame{time: 3})
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a frame")
	default:
	}
}

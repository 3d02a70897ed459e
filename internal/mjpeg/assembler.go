package mjpeg

import (
	"log/slog"
	"time"

	"github.com/zsiec/mjpegtap/internal/media"
)

// JPEG start-of-image marker.
const (
	soi0 = 0xFF
	soi1 = 0xD8
)

const (
	// DefaultMaxHeaderBytes bounds the header text collected between two
	// images. A stream that never declares a usable Content-Length would
	// otherwise grow it without limit.
	DefaultMaxHeaderBytes = 64 << 10

	// DefaultMaxFrameBytes is the largest Content-Length the assembler will
	// allocate a payload buffer for.
	DefaultMaxFrameBytes = 16 << 20
)

// Stats counts parser outcomes over the lifetime of an Assembler.
type Stats struct {
	Frames       int64 `json:"frames"`
	HeaderMisses int64 `json:"headerMisses"`
	HeaderResets int64 `json:"headerResets"`
	Oversized    int64 `json:"oversized"`
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithMarkerInPayload makes the start-of-image marker the first two bytes
// of each payload, for sources whose Content-Length covers the whole JPEG.
// Without it, Content-Length counts the bytes following the marker.
func WithMarkerInPayload() Option {
	return func(a *Assembler) { a.markerInPayload = true }
}

// WithMaxHeaderBytes bounds the header text; when it is exceeded the text is
// discarded and collection starts over. n <= 0 removes the bound.
func WithMaxHeaderBytes(n int) Option {
	return func(a *Assembler) { a.maxHeaderBytes = n }
}

// WithMaxFrameBytes rejects parts whose Content-Length exceeds n.
// n <= 0 removes the bound.
func WithMaxFrameBytes(n int) Option {
	return func(a *Assembler) { a.maxFrameBytes = n }
}

// WithClock replaces the wall clock used for parts without an X-Timestamp.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithLogger sets the logger used to report parse misses.
func WithLogger(log *slog.Logger) Option {
	return func(a *Assembler) { a.log = log }
}

// Assembler is the byte-level MJPEG state machine. Between images it
// collects header text; once a start-of-image marker arrives after a header
// block with a positive Content-Length it fills a payload buffer of that
// size and emits a Frame when the buffer is full.
//
// An Assembler is owned by a single reader and is not safe for concurrent
// use.
type Assembler struct {
	log             *slog.Logger
	now             func() time.Time
	markerInPayload bool
	maxHeaderBytes  int
	maxFrameBytes   int

	headers  []byte
	expected int // 0 while collecting headers
	image    []byte
	written  int
	held     bool // a 0xFF ended the previous input and has not been dispatched

	stats Stats
}

// NewAssembler creates an Assembler in the header-collecting state.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		log:            slog.Default(),
		now:            time.Now,
		maxHeaderBytes: DefaultMaxHeaderBytes,
		maxFrameBytes:  DefaultMaxFrameBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "mjpeg-assembler")
	return a
}

// Feed consumes the next chunk of the stream and returns the frames it
// completed, in stream order. Chunk boundaries do not affect the result:
// feeding a stream in one call or split at any points yields the same
// frames. Malformed input never fails; it is absorbed into header text.
func (a *Assembler) Feed(p []byte) []media.Frame {
	var frames []media.Frame
	for _, b := range p {
		if a.expected > 0 {
			if f, ok := a.writeBody(b); ok {
				frames = append(frames, f)
			}
			continue
		}

		if a.held {
			a.held = false
			if b == soi1 {
				if f, ok := a.startOfImage(); ok {
					frames = append(frames, f)
				}
				continue
			}
			a.appendHeader(soi0)
		}

		if b == soi0 {
			a.held = true
			continue
		}
		a.appendHeader(b)
	}
	return frames
}

// Stats returns the assembler's counters.
func (a *Assembler) Stats() Stats {
	return a.stats
}

// startOfImage handles a marker seen while collecting headers. It can only
// complete a frame when the marker is part of a payload shorter than three
// bytes.
func (a *Assembler) startOfImage() (media.Frame, bool) {
	n := ContentLength(string(a.headers))
	switch {
	case n <= 0:
		a.stats.HeaderMisses++
		a.log.Debug("start of image without content length", "header_bytes", len(a.headers))
		a.appendHeader(soi0)
		a.appendHeader(soi1)
		return media.Frame{}, false
	case a.maxFrameBytes > 0 && n > a.maxFrameBytes:
		a.stats.Oversized++
		a.log.Warn("content length exceeds limit, skipping part", "content_length", n, "limit", a.maxFrameBytes)
		a.appendHeader(soi0)
		a.appendHeader(soi1)
		return media.Frame{}, false
	}

	a.expected = n
	a.image = make([]byte, n)
	a.written = 0

	if !a.markerInPayload {
		return media.Frame{}, false
	}

	var (
		frame media.Frame
		done  bool
	)
	for _, b := range [...]byte{soi0, soi1} {
		if a.expected == 0 {
			a.appendHeader(b)
			continue
		}
		if f, ok := a.writeBody(b); ok {
			frame, done = f, true
		}
	}
	return frame, done
}

func (a *Assembler) writeBody(b byte) (media.Frame, bool) {
	a.image[a.written] = b
	a.written++
	if a.written < a.expected {
		return media.Frame{}, false
	}

	f := media.NewFrame(timestampAt(string(a.headers), a.now), a.image)
	a.stats.Frames++

	a.headers = a.headers[:0]
	a.expected = 0
	a.image = nil
	a.written = 0
	return f, true
}

func (a *Assembler) appendHeader(b byte) {
	if a.maxHeaderBytes > 0 && len(a.headers) >= a.maxHeaderBytes {
		a.stats.HeaderResets++
		a.log.Warn("header text exceeded limit, discarding", "limit", a.maxHeaderBytes)
		a.headers = a.headers[:0]
	}
	a.headers = append(a.headers, b)
}

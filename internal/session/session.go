// Package session owns the lifecycle of one MJPEG stream connection: it
// opens the transport, pumps chunks through a fresh mjpeg.Assembler,
// appends completed frames to a bounded ring and hands ring snapshots to a
// consumer callback.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/mjpegtap/internal/framebuf"
	"github.com/zsiec/mjpegtap/internal/mjpeg"
	"github.com/zsiec/mjpegtap/internal/transport"
)

// Sentinel errors returned by Open.
var (
	ErrConnectTimeout = errors.New("session: connect timed out")
	ErrClosed         = errors.New("session: closed while connecting")
)

const (
	defaultReadBufferSize = 32 << 10
	defaultConnectTimeout = 10 * time.Second
)

// Consumer receives the ring snapshot after every completed frame. It runs
// synchronously on the session's read goroutine, so a slow consumer slows
// the stream down.
type Consumer func(framebuf.Snapshot)

// Config controls a Session. Zero values select defaults.
type Config struct {
	// Transport opens stream URLs. Required.
	Transport transport.Transport
	// Capacity is the ring buffer size (media.DefaultCapacity).
	Capacity int
	// ReadBufferSize is the largest chunk requested per read (32 KiB).
	ReadBufferSize int
	// ConnectTimeout bounds the transport's Open call (10s).
	ConnectTimeout time.Duration
	// MaxHeaderBytes bounds header text between images
	// (mjpeg.DefaultMaxHeaderBytes). Negative disables the bound.
	MaxHeaderBytes int
	// MaxFrameBytes bounds the payload size (mjpeg.DefaultMaxFrameBytes).
	// Negative disables the bound.
	MaxFrameBytes int
	// MarkerInPayload counts the JPEG start marker as part of each
	// Content-Length, as most cameras do.
	MarkerInPayload bool
}

// Stats is a point-in-time view of a session, serialized by the API.
// Timestamps are epoch milliseconds; LastMessageAt is 0 until the first
// chunk arrives.
type Stats struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Open          bool   `json:"open"`
	OpenedAt      int64  `json:"openedAt"`
	LastMessageAt int64  `json:"lastMessageAt,omitempty"`
	Connects      int64  `json:"connects"`
	Chunks        int64  `json:"chunks"`
	Bytes         int64  `json:"bytes"`
	Frames        int64  `json:"frames"`
	HeaderMisses  int64  `json:"headerMisses"`
	HeaderResets  int64  `json:"headerResets"`
	Oversized     int64  `json:"oversized"`
	Buffered      int    `json:"buffered"`
	Capacity      int    `json:"capacity"`
}

// conn is one open transport stream and the goroutine pumping it.
type conn struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}
}

func (c *conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
		c.rc.Close()
	}
}

// Session is a re-openable MJPEG stream. At most one connection is active at
// a time; opening a new URL closes the previous connection first. The frame
// ring outlives individual connections, parser state does not.
type Session struct {
	id       string
	cfg      Config
	log      *slog.Logger
	ring     *framebuf.Ring
	consumer Consumer

	openMu sync.Mutex // serializes Open

	mu         sync.Mutex // guards the fields below
	url        string
	conn       *conn
	dialCancel context.CancelFunc
	gen        uint64 // bumped by Close to abandon in-flight dials

	connects      atomic.Int64
	chunks        atomic.Int64
	bytes         atomic.Int64
	frames        atomic.Int64
	headerMisses  atomic.Int64
	headerResets  atomic.Int64
	oversized     atomic.Int64
	openedAt      atomic.Int64
	lastMessageAt atomic.Int64
}

// New creates a closed Session. consumer may be nil. If log is nil,
// slog.Default() is used.
func New(cfg Config, consumer Consumer, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		cfg:      cfg,
		log:      log.With("component", "session", "session", id),
		ring:     framebuf.NewRing(cfg.Capacity),
		consumer: consumer,
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// URL returns the most recently opened URL.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

// IsOpen reports whether a connection is currently streaming.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Snapshot returns the buffered frames, oldest first.
func (s *Session) Snapshot() framebuf.Snapshot {
	return s.ring.Snapshot()
}

// Done returns a channel that is closed when the current connection's read
// loop exits. With no connection open the channel is already closed.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.conn.done
}

// Open starts streaming from url. If the session is already streaming url
// it returns nil without reconnecting. Otherwise any current connection is
// closed, the transport is dialled (bounded by ConnectTimeout) and a read
// loop with fresh parser state is started. The connection lives until ctx
// is cancelled, Close is called, or the stream ends.
func (s *Session) Open(ctx context.Context, url string) error {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.conn != nil && s.url == url {
		s.mu.Unlock()
		s.log.Debug("already open", "url", url)
		return nil
	}
	prev := s.conn
	s.conn = nil
	s.url = url
	connCtx, cancel := context.WithCancel(ctx)
	s.dialCancel = cancel
	gen := s.gen
	s.mu.Unlock()

	if prev != nil {
		prev.close()
		s.log.Info("closed previous connection")
	}

	s.log.Info("opening stream", "url", url)
	s.connects.Add(1)

	timer := time.AfterFunc(s.cfg.ConnectTimeout, cancel)
	rc, err := s.cfg.Transport.Open(connCtx, url)
	timedOut := !timer.Stop()

	s.mu.Lock()
	s.dialCancel = nil
	abandoned := s.gen != gen
	if err == nil && !timedOut && !abandoned {
		c := &conn{rc: rc, cancel: cancel, done: make(chan struct{})}
		s.conn = c
		s.mu.Unlock()

		s.openedAt.Store(time.Now().UnixMilli())
		go s.pump(c, s.newAssembler())
		return nil
	}
	s.mu.Unlock()

	cancel()
	if err == nil {
		rc.Close()
	}
	switch {
	case abandoned:
		return ErrClosed
	case timedOut:
		return fmt.Errorf("%w after %s: %s", ErrConnectTimeout, s.cfg.ConnectTimeout, url)
	}
	s.log.Warn("open failed", "url", url, "error", err)
	return fmt.Errorf("session: open %s: %w", url, err)
}

// Close stops the current connection, if any, and abandons an in-flight
// Open. It is safe to call repeatedly and from the consumer callback.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	c := s.conn
	s.conn = nil
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.mu.Unlock()

	if c != nil {
		c.close()
		s.log.Info("stream closed", "url", s.URL())
	}
}

// Stats returns the session's counters and state.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	url, open := s.url, s.conn != nil
	s.mu.Unlock()

	return Stats{
		ID:            s.id,
		URL:           url,
		Open:          open,
		OpenedAt:      s.openedAt.Load(),
		LastMessageAt: s.lastMessageAt.Load(),
		Connects:      s.connects.Load(),
		Chunks:        s.chunks.Load(),
		Bytes:         s.bytes.Load(),
		Frames:        s.frames.Load(),
		HeaderMisses:  s.headerMisses.Load(),
		HeaderResets:  s.headerResets.Load(),
		Oversized:     s.oversized.Load(),
		Buffered:      s.ring.Len(),
		Capacity:      s.ring.Cap(),
	}
}

func (s *Session) newAssembler() *mjpeg.Assembler {
	opts := []mjpeg.Option{mjpeg.WithLogger(s.log)}
	if s.cfg.MarkerInPayload {
		opts = append(opts, mjpeg.WithMarkerInPayload())
	}
	switch {
	case s.cfg.MaxHeaderBytes > 0:
		opts = append(opts, mjpeg.WithMaxHeaderBytes(s.cfg.MaxHeaderBytes))
	case s.cfg.MaxHeaderBytes < 0:
		opts = append(opts, mjpeg.WithMaxHeaderBytes(0))
	}
	switch {
	case s.cfg.MaxFrameBytes > 0:
		opts = append(opts, mjpeg.WithMaxFrameBytes(s.cfg.MaxFrameBytes))
	case s.cfg.MaxFrameBytes < 0:
		opts = append(opts, mjpeg.WithMaxFrameBytes(0))
	}
	return mjpeg.NewAssembler(opts...)
}

// pump reads chunks until the stream ends, fails, or c is closed. Reads are
// sequential; every completed frame is appended to the ring and the
// consumer sees the resulting snapshot before the next frame is processed.
func (s *Session) pump(c *conn, asm *mjpeg.Assembler) {
	defer close(c.done)
	defer s.teardown(c)

	buf := make([]byte, s.cfg.ReadBufferSize)
	var prev mjpeg.Stats
	for {
		n, err := c.rc.Read(buf)
		if n > 0 {
			if c.closed.Load() {
				return
			}
			s.chunks.Add(1)
			s.bytes.Add(int64(n))
			s.lastMessageAt.Store(time.Now().UnixMilli())

			frames := asm.Feed(buf[:n])
			prev = s.recordParserStats(prev, asm.Stats())

			for _, f := range frames {
				if c.closed.Load() {
					return
				}
				s.ring.Append(f)
				if s.consumer != nil {
					s.consumer(s.ring.Snapshot())
				}
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Info("stream finished")
			case c.closed.Load():
			default:
				s.log.Warn("stream read failed", "error", err)
			}
			return
		}
	}
}

// recordParserStats folds the assembler's counter deltas into the session
// totals and returns cur for the next call.
func (s *Session) recordParserStats(prev, cur mjpeg.Stats) mjpeg.Stats {
	s.frames.Add(cur.Frames - prev.Frames)
	s.headerMisses.Add(cur.HeaderMisses - prev.HeaderMisses)
	s.headerResets.Add(cur.HeaderResets - prev.HeaderResets)
	s.oversized.Add(cur.Oversized - prev.Oversized)
	return cur
}

// teardown detaches c if it is still the current connection and releases
// its reader.
func (s *Session) teardown(c *conn) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()
	c.close()
}

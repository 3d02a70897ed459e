package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// defaultSRTDialTimeout bounds the SRT handshake when ctx has no deadline.
const defaultSRTDialTimeout = 10 * time.Second

// SRT pulls an MJPEG byte stream from a remote SRT listener in caller mode.
// URLs have the form srt://host:port?streamid=live/cam1.
type SRT struct {
	log         *slog.Logger
	dialTimeout time.Duration
}

// NewSRT creates an SRT transport. A non-positive dialTimeout selects 10s.
// If log is nil, slog.Default() is used.
func NewSRT(dialTimeout time.Duration, log *slog.Logger) *SRT {
	if log == nil {
		log = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultSRTDialTimeout
	}
	return &SRT{
		log:         log.With("component", "srt-transport"),
		dialTimeout: dialTimeout,
	}
}

// srtConn adapts an SRT connection to io.ReadCloser.
type srtConn struct {
	conn *srtgo.Conn
}

func (c *srtConn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

func (c *srtConn) Close() error {
	c.conn.Close()
	return nil
}

// Open dials the listener named by rawURL. srtgo has no context-aware dial,
// so the handshake runs in the background and a connection that completes
// after ctx is done or the timeout fires is closed.
func (s *SRT) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	addr, streamID, err := parseSRTURL(rawURL)
	if err != nil {
		return nil, err
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if streamID != "" {
		cfg.StreamID = streamID
	}

	s.log.Info("dialing", "address", addr, "stream_id", streamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(s.dialTimeout)
	defer timer.Stop()

	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("transport: SRT dial %s: %w", addr, res.err)
		}
		return &srtConn{conn: res.conn}, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("transport: SRT dial %s timed out after %s", addr, s.dialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

// parseSRTURL splits an srt:// URL into the dial address and stream ID.
func parseSRTURL(rawURL string) (addr, streamID string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("transport: parse URL: %w", err)
	}
	if u.Scheme != "srt" {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" || u.Port() == "" {
		return "", "", fmt.Errorf("transport: SRT URL %q needs host:port", rawURL)
	}
	return u.Host, u.Query().Get("streamid"), nil
}

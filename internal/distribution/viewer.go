package distribution

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// viewerBuffer is the number of frames queued per viewer before new frames
// are dropped. Viewers only ever want the live edge, so it stays small.
const viewerBuffer = 4

// StreamViewer writes relay frames to one HTTP client as a
// multipart/x-mixed-replace stream. Send never blocks: when the client
// falls behind, frames are dropped.
type StreamViewer struct {
	id          string
	remoteAddr  string
	connectedAt int64
	ch          chan *JPEG

	sent      atomic.Int64
	dropped   atomic.Int64
	bytesSent atomic.Int64
}

// NewStreamViewer creates a viewer for the client at remoteAddr.
func NewStreamViewer(remoteAddr string) *StreamViewer {
	return &StreamViewer{
		id:          uuid.NewString(),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now().UnixMilli(),
		ch:          make(chan *JPEG, viewerBuffer),
	}
}

func (v *StreamViewer) ID() string { return v.id }

// Send queues frame for delivery or drops it if the queue is full.
func (v *StreamViewer) Send(frame *JPEG) {
	select {
	case v.ch <- frame:
	default:
		v.dropped.Add(1)
	}
}

func (v *StreamViewer) Stats() ViewerStats {
	return ViewerStats{
		ID:          v.id,
		RemoteAddr:  v.remoteAddr,
		ConnectedAt: v.connectedAt,
		Sent:        v.sent.Load(),
		Dropped:     v.dropped.Load(),
		BytesSent:   v.bytesSent.Load(),
	}
}

// Serve writes queued frames to w until ctx is done or done is closed. The
// response Content-Type must already carry mw's boundary.
func (v *StreamViewer) Serve(ctx context.Context, done <-chan struct{}, w io.Writer, mw *multipart.Writer) error {
	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case f := <-v.ch:
			if err := writePart(mw, f); err != nil {
				return fmt.Errorf("distribution: write part: %w", err)
			}
			if flusher != nil {
				flusher.Flush()
			}
			v.sent.Add(1)
			v.bytesSent.Add(int64(len(f.Data)))
		}
	}
}

// writePart writes one JPEG as a multipart part with the headers MJPEG
// readers look for.
func writePart(mw *multipart.Writer, f *JPEG) error {
	h := make(textproto.MIMEHeader, 3)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(f.Data)))
	h.Set("X-Timestamp", strconv.FormatInt(f.Time, 10))

	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = pw.Write(f.Data)
	return err
}

package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/textproto"
	"strconv"
	"sync"
	"time"
)

// frame is one encoded JPEG and its capture time in epoch milliseconds.
type frame struct {
	time int64
	data []byte
}

// generator renders a moving test pattern.
type generator struct {
	width, height int
	quality       int
	n             int
}

func newGenerator(width, height, quality int) *generator {
	return &generator{width: width, height: height, quality: quality}
}

// Next renders and encodes the next frame.
func (g *generator) Next(now time.Time) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))

	// Eight vertical colour bars.
	bars := [...]color.RGBA{
		{235, 235, 235, 255}, {235, 235, 16, 255}, {16, 235, 235, 255}, {16, 235, 16, 255},
		{235, 16, 235, 255}, {235, 16, 16, 255}, {16, 16, 235, 255}, {16, 16, 16, 255},
	}
	for x := 0; x < g.width; x++ {
		c := bars[x*len(bars)/g.width]
		for y := 0; y < g.height; y++ {
			img.SetRGBA(x, y, c)
		}
	}

	// A white block sweeping across the lower quarter shows motion.
	block := max(g.height/8, 1)
	x0 := (g.n * 4) % max(g.width-block, 1)
	y0 := g.height - 2*block
	for x := x0; x < x0+block && x < g.width; x++ {
		for y := y0; y < y0+block && y < g.height; y++ {
			img.SetRGBA(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	// Seconds counter as a binary strip along the top edge.
	secs := now.Unix()
	cell := max(g.width/32, 1)
	for bit := 0; bit < 32 && bit*cell < g.width; bit++ {
		var c color.RGBA
		if secs&(1<<bit) != 0 {
			c = color.RGBA{255, 255, 255, 255}
		} else {
			c = color.RGBA{0, 0, 0, 255}
		}
		for x := bit * cell; x < (bit+1)*cell && x < g.width; x++ {
			for y := 0; y < cell && y < g.height; y++ {
				img.SetRGBA(x, y, c)
			}
		}
	}
	g.n++

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: g.quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// hub fans frames out to subscribers, skipping any that are not ready.
type hub struct {
	mu   sync.Mutex
	subs map[chan frame]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan frame]struct{})}
}

func (h *hub) Subscribe() (<-chan frame, func()) {
	ch := make(chan frame, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

func (h *hub) Publish(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func partHeader(f frame) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader, 3)
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(f.data)))
	h.Set("X-Timestamp", strconv.FormatInt(f.time, 10))
	return h
}

func writePart(mw *multipart.Writer, f frame) error {
	pw, err := mw.CreatePart(partHeader(f))
	if err != nil {
		return err
	}
	_, err = pw.Write(f.data)
	return err
}

// rawPart renders a part for transports without HTTP framing.
func rawPart(f frame) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "\r\n--mjpegfeed\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Timestamp: %d\r\n\r\n",
		len(f.data), f.time)
	buf.Write(f.data)
	return buf.Bytes()
}

// Command mjpeg-feed serves a synthetic MJPEG feed for exercising mjpegtap
// without a camera. Every part carries Content-Length and X-Timestamp
// headers. The feed is available over HTTP as multipart/x-mixed-replace and,
// optionally, to SRT callers as the same byte stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	srt "github.com/zsiec/srtgo"
	"golang.org/x/sync/errgroup"
)

// srtChunkSize is the largest payload written per SRT message.
const srtChunkSize = 1316

func main() {
	httpAddr := flag.String("http", ":8080", "HTTP listen address (feed at /stream)")
	srtAddr := flag.String("srt", "", "SRT listen address, empty to disable")
	fps := flag.Float64("fps", 10, "Frames per second")
	width := flag.Int("width", 320, "Frame width")
	height := flag.Int("height", 240, "Frame height")
	quality := flag.Int("quality", 75, "JPEG quality (1-100)")
	flag.Parse()

	if *fps <= 0 {
		fmt.Fprintln(os.Stderr, "fps must be positive")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gen := newGenerator(*width, *height, *quality)
	hub := newHub()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		interval := time.Duration(float64(time.Second) / *fps)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				img, err := gen.Next(now)
				if err != nil {
					return fmt.Errorf("encode frame: %w", err)
				}
				hub.Publish(frame{time: now.UnixMilli(), data: img})
			}
		}
	})

	srv := &http.Server{Addr: *httpAddr, Handler: feedHandler(hub)}
	g.Go(func() error {
		slog.Info("serving MJPEG over HTTP", "addr", *httpAddr, "path", "/stream")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if *srtAddr != "" {
		g.Go(func() error {
			return serveSRT(ctx, *srtAddr, hub)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("feed failed", "error", err)
		os.Exit(1)
	}
}

func feedHandler(hub *hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", func(w http.ResponseWriter, r *http.Request) {
		ch, unsubscribe := hub.Subscribe()
		defer unsubscribe()

		mw := multipart.NewWriter(w)
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
		w.Header().Set("Cache-Control", "no-store")
		flusher, _ := w.(http.Flusher)
		slog.Info("HTTP viewer connected", "remote", r.RemoteAddr)

		for {
			select {
			case <-r.Context().Done():
				slog.Info("HTTP viewer disconnected", "remote", r.RemoteAddr)
				return
			case f := <-ch:
				if err := writePart(mw, f); err != nil {
					slog.Info("HTTP viewer write failed", "remote", r.RemoteAddr, "error", err)
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			}
		}
	})
	return mux
}

func serveSRT(ctx context.Context, addr string, hub *hub) error {
	cfg := srt.DefaultConfig()
	l, err := srt.Listen(addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", addr, err)
	}
	slog.Info("serving MJPEG over SRT", "addr", addr)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("SRT accept error", "error", err)
			continue
		}
		go streamSRT(ctx, conn, hub)
	}
}

func streamSRT(ctx context.Context, conn *srt.Conn, hub *hub) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	slog.Info("SRT caller connected", "remote", remote, "streamid", conn.StreamID())

	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-ch:
			part := rawPart(f)
			for len(part) > 0 {
				n := min(len(part), srtChunkSize)
				if _, err := conn.Write(part[:n]); err != nil {
					slog.Info("SRT caller disconnected", "remote", remote, "error", err)
					return
				}
				part = part[n:]
			}
		}
	}
}

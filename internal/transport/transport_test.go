package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMuxDispatchesByScheme(t *testing.T) {
	t.Parallel()

	var gotURL string
	m := NewMux()
	m.Handle("HTTP", Func(func(_ context.Context, url string) (io.ReadCloser, error) {
		gotURL = url
		return io.NopCloser(strings.NewReader("ok")), nil
	}))

	rc, err := m.Open(context.Background(), "http://camera.local/video")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	if gotURL != "http://camera.local/video" {
		t.Fatalf("transport got URL %q", gotURL)
	}
}

func TestMuxUnsupportedScheme(t *testing.T) {
	t.Parallel()

	m := NewMux()
	_, err := m.Open(context.Background(), "rtsp://camera.local/stream")
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want ErrUnsupportedScheme", err)
	}
}

func TestHTTPOpenStreamsBody(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept"), "multipart/x-mixed-replace") {
			t.Errorf("Accept = %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "multipart/x-mixed-replace;boundary=b")
		w.Write([]byte("first"))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte("second"))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{ResponseHeaderTimeout: 5 * time.Second}, nil)
	defer h.Close()

	rc, err := h.Open(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(rc, buf); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}
	if string(buf) != "first" {
		t.Fatalf("first chunk = %q, want %q", buf, "first")
	}

	close(release)
	rest, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(rest) != "second" {
		t.Fatalf("rest = %q, want %q", rest, "second")
	}
}

func TestHTTPOpenBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	h := NewHTTP(HTTPConfig{}, nil)
	defer h.Close()

	_, err := h.Open(context.Background(), srv.URL+"/missing")
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("err = %v, want ErrBadStatus", err)
	}
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %T, want *StatusError", err)
	}
	if se.StatusCode != http.StatusNotFound {
		t.Fatalf("StatusCode = %d, want 404", se.StatusCode)
	}
}

func TestHTTPCancelAbortsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{}, nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := h.Open(ctx, srv.URL)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	buf := make([]byte, 1)
	if _, err := rc.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := rc.Read(buf)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Read after cancel returned nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after cancel")
	}
}

func TestParseSRTURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		url      string
		addr     string
		streamID string
		wantErr  bool
	}{
		{name: "with stream id", url: "srt://10.0.0.5:6000?streamid=live/cam1", addr: "10.0.0.5:6000", streamID: "live/cam1"},
		{name: "without stream id", url: "srt://camera.local:9000", addr: "camera.local:9000"},
		{name: "missing port", url: "srt://camera.local", wantErr: true},
		{name: "wrong scheme", url: "http://camera.local:80", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			addr, sid, err := parseSRTURL(tc.url)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseSRTURL(%q) succeeded, want error", tc.url)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSRTURL(%q): %v", tc.url, err)
			}
			if addr != tc.addr || sid != tc.streamID {
				t.Errorf("parseSRTURL(%q) = %q, %q, want %q, %q", tc.url, addr, sid, tc.addr, tc.streamID)
			}
		})
	}
}

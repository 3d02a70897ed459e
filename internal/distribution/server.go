// Package distribution serves the REST API over HTTPS and HTTP/3: stream
// listing and control, frame snapshots, the newest JPEG, a
// multipart/x-mixed-replace re-stream and per-stream diagnostics.
package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/mjpegtap/internal/certs"
	"github.com/zsiec/mjpegtap/internal/framebuf"
	"github.com/zsiec/mjpegtap/internal/session"
	"github.com/zsiec/mjpegtap/internal/transport"
)

// StatsProvider is implemented by Pipeline to supply stream statistics for
// the REST API.
type StatsProvider interface {
	StreamSnapshot() StreamSnapshot
}

// DebugProvider extends StatsProvider with pipeline diagnostics, exposed via
// the /api/streams/{key}/debug endpoint.
type DebugProvider interface {
	StatsProvider
	PipelineDebug() PipelineDebugStats
}

// FrameSource supplies the buffered frames of a stream.
type FrameSource interface {
	Snapshot() framebuf.Snapshot
}

// PipelineDebugStats captures the consumer's delivery counters.
type PipelineDebugStats struct {
	Delivered       int64 `json:"delivered"`
	DecodeErrors    int64 `json:"decodeErrors"`
	LastDeliveredAt int64 `json:"lastDeliveredAt,omitempty"`
	LastConsumeUs   int64 `json:"lastConsumeUs"`
	MaxConsumeUs    int64 `json:"maxConsumeUs"`
}

// PipelineDebugSnapshot is the JSON response for /api/streams/{key}/debug.
type PipelineDebugSnapshot struct {
	Session  *session.Stats     `json:"session,omitempty"`
	Frames   FrameStatsSnapshot `json:"frames"`
	Pipeline PipelineDebugStats `json:"pipeline"`
	Viewers  []ViewerStats      `json:"viewers"`
}

// StreamInfo is the JSON-serializable summary of a stream, returned by the
// /api/streams list endpoint.
type StreamInfo struct {
	Key           string  `json:"key"`
	URL           string  `json:"url"`
	Open          bool    `json:"open"`
	Viewers       int     `json:"viewers"`
	Buffered      int     `json:"buffered"`
	Capacity      int     `json:"capacity"`
	Frames        int64   `json:"frames"`
	FrameRate     float64 `json:"frameRate"`
	LastFrameTime int64   `json:"lastFrameTime,omitempty"`
	Protocol      string  `json:"protocol,omitempty"`
	UptimeMs      int64   `json:"uptimeMs,omitempty"`
	Description   string  `json:"description,omitempty"`
}

// StreamLister is a callback that returns the current list of streams.
type StreamLister func() []StreamInfo

// OpenFunc creates the stream key if needed and points it at url.
type OpenFunc func(key, url string) error

// CloseFunc closes and removes a stream. It reports whether the key existed.
type CloseFunc func(key string) bool

// ServerConfig holds the configuration for the distribution Server.
type ServerConfig struct {
	// Addr is the UDP address of the HTTP/3 listener.
	Addr         string
	Cert         *certs.CertInfo
	StreamLister StreamLister
	Open         OpenFunc
	Close        CloseFunc
	// Metrics, if set, is served at /metrics.
	Metrics http.Handler
	// Middleware, if set, wraps the API mux (request metrics).
	Middleware func(http.Handler) http.Handler
	Log        *slog.Logger
}

// streamResources bundles the relay, frame source and stats provider for a
// single stream so they are registered and torn down as a unit.
type streamResources struct {
	relay    *Relay
	frames   FrameSource
	pipeline StatsProvider
	done     chan struct{}
}

// Server serves the REST API. The same handler runs behind the HTTPS server
// built by the caller and the HTTP/3 server started by Start.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server

	mu      sync.RWMutex
	streams map[string]*streamResources
}

// NewServer creates a distribution Server with the given configuration.
// It returns an error if required fields are missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("distribution: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("distribution: Addr is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:  config,
		log:     log.With("component", "distribution"),
		streams: make(map[string]*streamResources),
	}, nil
}

// RegisterStream creates a Relay for the given stream key and returns it.
// If the stream already has a relay, the existing one is returned.
func (s *Server) RegisterStream(streamKey string) *Relay {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.relay
	}
	r := NewRelay(s.log.With("stream", streamKey))
	s.streams[streamKey] = &streamResources{relay: r, done: make(chan struct{})}
	return r
}

// SetFrameSource associates the buffered frames of a stream with its key.
// The stream must already be registered via RegisterStream.
func (s *Server) SetFrameSource(streamKey string, frames FrameSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		sr.frames = frames
	}
}

// UnregisterStream removes the resources for a stream key and ends its
// re-stream viewers.
func (s *Server) UnregisterStream(streamKey string) {
	s.mu.Lock()
	sr, ok := s.streams[streamKey]
	delete(s.streams, streamKey)
	s.mu.Unlock()
	if ok {
		close(sr.done)
	}
}

// SetPipeline associates a StatsProvider with a stream key. The stream must
// already be registered via RegisterStream.
func (s *Server) SetPipeline(streamKey string, p StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr, ok := s.streams[streamKey]; ok {
		sr.pipeline = p
	}
}

// GetPipeline returns the StatsProvider for a stream key, or nil if not found.
func (s *Server) GetPipeline(streamKey string) StatsProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.pipeline
	}
	return nil
}

// GetRelay returns the Relay for a stream key, or nil if not found.
func (s *Server) GetRelay(streamKey string) *Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sr, ok := s.streams[streamKey]; ok {
		return sr.relay
	}
	return nil
}

func (s *Server) resources(streamKey string) *streamResources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[streamKey]
}

// registerAPIRoutes registers the REST API endpoints on the given mux.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/streams", s.handleOpenStream)
	mux.HandleFunc("OPTIONS /api/streams", s.handleOptions)
	mux.HandleFunc("DELETE /api/streams/{key}", s.handleCloseStream)
	mux.HandleFunc("OPTIONS /api/streams/{key}", s.handleOptions)
	mux.HandleFunc("GET /api/streams/{key}/frames", s.handleFrames)
	mux.HandleFunc("GET /api/streams/{key}/latest.jpg", s.handleLatest)
	mux.HandleFunc("GET /api/streams/{key}/mjpeg", s.handleMJPEG)
	mux.HandleFunc("GET /api/streams/{key}/debug", s.handleStreamDebug)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics)
	}
}

// APIHandler returns the http.Handler for the REST API.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	var h http.Handler = mux
	if s.config.Middleware != nil {
		h = s.config.Middleware(h)
	}
	return corsMiddleware(s.altSvcMiddleware(h))
}

// altSvcMiddleware advertises the HTTP/3 endpoint to HTTPS clients once
// Start has created it.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		h3 := s.h3
		s.mu.RUnlock()
		if h3 != nil && r.ProtoMajor < 3 {
			if err := h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("setting Alt-Svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start launches the HTTP/3 server and blocks until the context is
// cancelled or a fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	h3 := &http3.Server{
		Addr:    s.config.Addr,
		Handler: s.APIHandler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{s.config.Cert.TLSCert},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}
	s.mu.Lock()
	s.h3 = h3
	s.mu.Unlock()

	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { h3.Close() })
	defer stop()

	err := h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

type openRequest struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	var resp []StreamInfo

	if s.config.StreamLister != nil {
		resp = s.config.StreamLister()
	}

	if resp == nil {
		resp = make([]StreamInfo, 0)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: opening a stream makes the service fetch an arbitrary URL. Expose
// the API to trusted operators only.
func (s *Server) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	if s.config.Open == nil {
		writeError(w, http.StatusNotImplemented, "stream control not configured")
		return
	}
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, "key and url are required")
		return
	}
	if err := s.config.Open(req.Key, req.URL); err != nil {
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, transport.ErrUnsupportedScheme):
			code = http.StatusBadRequest
		case errors.Is(err, session.ErrConnectTimeout):
			code = http.StatusGatewayTimeout
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "open", "key": req.Key})
}

func (s *Server) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	if s.config.Close == nil {
		writeError(w, http.StatusNotImplemented, "stream control not configured")
		return
	}
	key := r.PathValue("key")
	if !s.config.Close(key) {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "key": key})
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	sr := s.resources(r.PathValue("key"))
	if sr == nil || sr.frames == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	snap := sr.frames.Snapshot()
	if snap.Time == nil {
		snap = framebuf.Snapshot{Time: []int64{}, Image: []string{}}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	sr := s.resources(r.PathValue("key"))
	if sr == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	f, ok := sr.relay.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no frame received yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Data)))
	w.Header().Set("X-Timestamp", strconv.FormatInt(f.Time, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(f.Data)
}

func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sr := s.resources(key)
	if sr == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	v := NewStreamViewer(r.RemoteAddr)
	sr.relay.AddViewer(v)
	defer sr.relay.RemoveViewer(v.ID())

	if err := v.Serve(r.Context(), sr.done, w, mw); err != nil {
		s.log.Debug("re-stream viewer ended", "stream", key, "viewer", v.ID(), "error", err)
	}
}

func (s *Server) handleStreamDebug(w http.ResponseWriter, r *http.Request) {
	sr := s.resources(r.PathValue("key"))
	if sr == nil || sr.pipeline == nil {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	stats := sr.pipeline.StreamSnapshot()
	snap := PipelineDebugSnapshot{
		Session: &stats.Session,
		Frames:  stats.Frames,
		Viewers: sr.relay.ViewerStatsAll(),
	}
	if dp, ok := sr.pipeline.(DebugProvider); ok {
		snap.Pipeline = dp.PipelineDebug()
	}

	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}

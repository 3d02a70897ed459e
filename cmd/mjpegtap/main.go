package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mjpegtap/internal/certs"
	"github.com/zsiec/mjpegtap/internal/distribution"
	"github.com/zsiec/mjpegtap/internal/metrics"
	"github.com/zsiec/mjpegtap/internal/pipeline"
	"github.com/zsiec/mjpegtap/internal/session"
	"github.com/zsiec/mjpegtap/internal/stream"
	"github.com/zsiec/mjpegtap/internal/transport"
)

var version = "dev"

// metricsSyncInterval is how often session counters are folded into the
// Prometheus collectors between frames.
const metricsSyncInterval = 5 * time.Second

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cert, err := loadCert()
	if err != nil {
		slog.Error("failed to load certificate", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate ready",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	apiAddr := envOr("API_ADDR", ":8443")
	h3Addr := envOr("H3_ADDR", apiAddr)
	connectTimeout := envDuration("CONNECT_TIMEOUT", 10*time.Second)

	httpTransport := transport.NewHTTP(transport.HTTPConfig{
		HTTP3:                 envBool("HTTP3_CLIENT", false),
		InsecureSkipVerify:    envBool("INSECURE_TLS", false),
		ResponseHeaderTimeout: connectTimeout,
	}, nil)
	defer httpTransport.Close()

	mux := transport.NewMux()
	mux.Handle("http", httpTransport)
	mux.Handle("https", httpTransport)
	mux.Handle("srt", transport.NewSRT(connectTimeout, nil))

	a := &app{
		mgr: stream.NewManager(session.Config{
			Transport:       mux,
			Capacity:        envInt("BUFFER_CAPACITY", 0),
			ReadBufferSize:  envInt("READ_BUFFER", 0),
			ConnectTimeout:  connectTimeout,
			MaxHeaderBytes:  envInt("MAX_HEADER_BYTES", 0),
			MaxFrameBytes:   envInt("MAX_FRAME_BYTES", 0),
			MarkerInPayload: envBool("MARKER_IN_PAYLOAD", true),
		}, nil),
		metrics:   metrics.New(nil),
		pipelines: make(map[string]*pipeline.Pipeline),
	}

	slog.Info("mjpegtap starting",
		"version", version,
		"api", apiAddr,
		"http3", h3Addr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.ctx = ctx

	var distErr error
	a.distSrv, distErr = distribution.NewServer(distribution.ServerConfig{
		Addr:         h3Addr,
		Cert:         cert,
		StreamLister: a.listStreams,
		Open: func(key, rawURL string) error {
			return a.openStream(key, rawURL)
		},
		Close:      a.closeStream,
		Metrics:    a.metrics.Handler(),
		Middleware: a.metrics.Middleware,
	})
	if distErr != nil {
		slog.Error("failed to create distribution server", "error", distErr)
		os.Exit(1)
	}

	for key, rawURL := range parseStreams(os.Getenv("STREAMS")) {
		if err := a.openStream(key, rawURL); err != nil {
			slog.Warn("failed to open configured stream", "key", key, "url", rawURL, "error", err)
		}
	}

	apiSrv := &http.Server{
		Addr:    apiAddr,
		Handler: a.distSrv.APIHandler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.TLSCert},
		},
	}

	g.Go(func() error {
		slog.Info("HTTPS API server listening", "addr", apiAddr)
		if err := apiSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.mgr.CloseAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.distSrv.Start(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(metricsSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.syncMetrics()
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

type app struct {
	ctx     context.Context
	mgr     *stream.Manager
	distSrv *distribution.Server
	metrics *metrics.Metrics

	mu        sync.Mutex // serializes stream creation and removal
	pipelines map[string]*pipeline.Pipeline
}

// openStream registers key on first use, wiring its session, pipeline and
// relay together, then points the session at rawURL.
func (a *app) openStream(key, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	a.mu.Lock()
	p, ok := a.pipelines[key]
	if !ok {
		relay := a.distSrv.RegisterStream(key)
		p = pipeline.New(key, relay, a.metrics, nil)
		st, _ := a.mgr.Create(key, p.Consume)
		p.Bind(st.Session)
		a.distSrv.SetFrameSource(key, st.Session)
		a.distSrv.SetPipeline(key, p)
		a.pipelines[key] = p
		a.metrics.OpenStreams.Set(float64(len(a.pipelines)))
	}
	a.mu.Unlock()

	p.SetProtocol(strings.ToLower(u.Scheme))
	err = a.mgr.Open(a.ctx, key, rawURL)
	p.SyncMetrics()
	return err
}

// closeStream removes all resources for a stream across the stream manager,
// distribution server and metrics in a single call.
func (a *app) closeStream(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.mgr.Remove(key) {
		return false
	}
	a.distSrv.UnregisterStream(key)
	delete(a.pipelines, key)
	a.metrics.RemoveStream(key)
	a.metrics.OpenStreams.Set(float64(len(a.pipelines)))
	return true
}

func (a *app) syncMetrics() {
	a.mu.Lock()
	ps := make([]*pipeline.Pipeline, 0, len(a.pipelines))
	for _, p := range a.pipelines {
		ps = append(ps, p)
	}
	a.mu.Unlock()

	for _, p := range ps {
		p.SyncMetrics()
	}
}

func (a *app) listStreams() []distribution.StreamInfo {
	streams := a.mgr.List()
	infos := make([]distribution.StreamInfo, len(streams))
	for i, s := range streams {
		st := s.Session.Stats()
		info := distribution.StreamInfo{
			Key:      s.Key,
			URL:      st.URL,
			Open:     st.Open,
			Buffered: st.Buffered,
			Capacity: st.Capacity,
			UptimeMs: time.Since(s.StartedAt).Milliseconds(),
		}
		if relay := a.distSrv.GetRelay(s.Key); relay != nil {
			info.Viewers = relay.ViewerCount()
		}
		if p := a.distSrv.GetPipeline(s.Key); p != nil {
			snap := p.StreamSnapshot()
			info.Frames = snap.Frames.TotalFrames
			info.FrameRate = snap.Frames.FrameRate
			info.LastFrameTime = snap.Frames.LastFrameTime
			info.Protocol = snap.Protocol
		}
		info.Description = buildStreamDescription(info)
		infos[i] = info
	}
	return infos
}

func buildStreamDescription(info distribution.StreamInfo) string {
	var parts []string

	if info.Open {
		parts = append(parts, "live")
	} else {
		parts = append(parts, "closed")
	}
	if info.FrameRate > 0 {
		parts = append(parts, fmt.Sprintf("%.1f fps", info.FrameRate))
	}
	parts = append(parts, fmt.Sprintf("%d/%d buffered", info.Buffered, info.Capacity))

	if info.Viewers == 1 {
		parts = append(parts, "1 viewer")
	} else if info.Viewers > 1 {
		parts = append(parts, fmt.Sprintf("%d viewers", info.Viewers))
	}

	return strings.Join(parts, " · ")
}

// parseStreams reads "key=url,key=url". Entries without a key or URL are
// skipped.
func parseStreams(v string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(v, ",") {
		key, rawURL, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key, rawURL = strings.TrimSpace(key), strings.TrimSpace(rawURL)
		if !ok || key == "" || rawURL == "" {
			continue
		}
		out[key] = rawURL
	}
	return out
}

func loadCert() (*certs.CertInfo, error) {
	certFile, keyFile := os.Getenv("TLS_CERT"), os.Getenv("TLS_KEY")
	if certFile != "" && keyFile != "" {
		return certs.Load(certFile, keyFile)
	}
	slog.Info("generating self-signed certificate")
	var hosts []string
	if v := os.Getenv("CERT_HOSTS"); v != "" {
		hosts = strings.Split(v, ",")
	}
	return certs.Generate(certs.DefaultValidity, hosts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer", "env", key, "value", v)
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid boolean", "env", key, "value", v)
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration", "env", key, "value", v)
		return fallback
	}
	return d
}

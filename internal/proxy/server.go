package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"hls-caching-proxy/internal/cache"
	"hls-caching-proxy/internal/metrics"
)

type options struct {
	host             string
	logger           *zap.Logger
	shutdownTimeout  time.Duration
	metricsEndpoint  bool
	prefetchWorkers  int
	prefetchSegments int
}

type Option func(*options)

// WithHost sets the interface the server binds to and the host written into proxied URLs.
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithMetricsEndpoint exposes Prometheus metrics on /metrics.
func WithMetricsEndpoint(enabled bool) Option {
	return func(o *options) { o.metricsEndpoint = enabled }
}

// WithPrefetch enables background prefetch of the first segments of each media playlist.
func WithPrefetch(segments, workers int) Option {
	return func(o *options) {
		o.prefetchSegments = segments
		o.prefetchWorkers = workers
	}
}

// Server is the local HLS reverse proxy. It is safe for concurrent use.
type Server struct {
	fetcher Fetcher
	store   cache.Store
	opts    options
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	httpSrv  *http.Server
	done     chan struct{}
	prefetch *Prefetcher

	bound atomic.Pointer[Mapper]
}

func NewServer(f Fetcher, store cache.Store, opts ...Option) *Server {
	o := options{
		host:            "127.0.0.1",
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.L()
	}
	return &Server{
		fetcher: f,
		store:   store,
		opts:    o,
		logger:  logger,
		metrics: metrics.New(),
	}
}

// Start binds the server to port on the configured host; port 0 picks a free port.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.opts.host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	bound := Mapper{Host: s.opts.host, Port: ln.Addr().(*net.TCPAddr).Port}

	var pf *Prefetcher
	if s.opts.prefetchSegments > 0 && s.opts.prefetchWorkers > 0 {
		pf, err = NewPrefetcher(s.opts.prefetchWorkers, s.opts.prefetchSegments, s.logger, s.metrics)
		if err != nil {
			ln.Close()
			return fmt.Errorf("prefetch pool: %w", err)
		}
	}

	handler := &Handler{
		Mapper:   s.mapper,
		Fetcher:  s.fetcher,
		Store:    s.store,
		Logger:   s.logger,
		Metrics:  s.metrics,
		Prefetch: pf,
	}
	srv := &http.Server{
		Handler:           s.routes(handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
	done := make(chan struct{})

	s.bound.Store(&bound)
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy server stopped with error", zap.Error(err))
		}
	}()
	s.httpSrv, s.done, s.prefetch = srv, done, pf

	s.logger.Info("proxy started", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop unbinds the server. ReverseProxyURL returns nil from the moment Stop is called.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return ErrNotRunning
	}
	s.bound.Store(nil)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown timed out, closing connections", zap.Error(err))
		s.httpSrv.Close()
	}
	<-s.done
	if s.prefetch != nil {
		s.prefetch.Release()
	}
	s.httpSrv, s.done, s.prefetch = nil, nil, nil

	s.logger.Info("proxy stopped")
	return nil
}

// ReverseProxyURL returns the URL a player should use for origin, or nil when the
// server is not running.
func (s *Server) ReverseProxyURL(origin *url.URL) *url.URL {
	m, ok := s.mapper()
	if !ok {
		return nil
	}
	return m.Encode(origin)
}

func (s *Server) Running() bool {
	_, ok := s.mapper()
	return ok
}

// Port returns the bound port, or 0 when not running.
func (s *Server) Port() int {
	m, ok := s.mapper()
	if !ok {
		return 0
	}
	return m.Port
}

// ClearCache empties the resource cache.
func (s *Server) ClearCache(ctx context.Context) error {
	return s.store.Clear(ctx)
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) mapper() (Mapper, bool) {
	m := s.bound.Load()
	if m == nil {
		return Mapper{}, false
	}
	return *m, true
}

func (s *Server) routes(handler http.Handler) http.Handler {
	r := mux.NewRouter()
	// Origin paths are copied verbatim into proxied URLs and must not be cleaned.
	r.SkipClean(true)
	r.Use(accessLog(s.logger))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet, http.MethodHead).MatcherFunc(withoutOrigin)
	if s.opts.metricsEndpoint {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet).MatcherFunc(withoutOrigin)
	}

	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(preflight)
	r.PathPrefix("/").Methods(http.MethodGet, http.MethodHead).Handler(handler)
	return r
}

func withoutOrigin(r *http.Request, _ *mux.RouteMatch) bool {
	return !r.URL.Query().Has(OriginParam)
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Range")
	w.WriteHeader(http.StatusNoContent)
}

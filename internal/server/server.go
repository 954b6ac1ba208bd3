package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/cache"
	"github.com/muurk/subnet-authority/internal/logging"
	"github.com/muurk/subnet-authority/internal/metrics"
	"github.com/muurk/subnet-authority/internal/model"
)

const shutdownTimeout = 10 * time.Second

// Directory is the read side of the service cache. Nothing reachable through
// it can mutate the cache.
type Directory interface {
	GetAll(ctx context.Context) ([]*model.ServiceEntry, error)
	GetByType(ctx context.Context, serviceType string) ([]*model.ServiceEntry, error)
	GetOne(ctx context.Context, key model.Key) (*model.ServiceEntry, error)
	Hash(ctx context.Context) (string, error)
	Health(ctx context.Context) (cache.Health, error)
	Subscribe() (<-chan string, func())
}

// Info is served at /v1/config.
type Info struct {
	Zone        string `json:"zone"`
	Prefix      string `json:"prefix"`
	APIPort     int    `json:"api_port"`
	AuthorityID string `json:"authority_id"`
	Version     string `json:"version,omitempty"`
}

// Config holds the server configuration
type Config struct {
	Listen string
	Info   Info

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// Server is the authority's read-only HTTP front end.
type Server struct {
	cfg      Config
	dir      Directory
	echo     *echo.Echo
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	addr     net.Addr
	stopping chan struct{}
	closed   bool
	watchers sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the collectors to report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server reading from dir.
func New(cfg Config, dir Directory, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		dir:      dir,
		logger:   zap.NewNop(),
		stopping: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Read-only data; any origin may watch.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(requestLogger(s.logger))

	e.GET("/v1/config", s.getConfig)
	e.GET("/v1/services", s.listServices)
	e.GET("/v1/services/hash", s.getHash)
	e.GET("/v1/services/:type/:instance", s.getService)
	e.GET("/v1/watch", s.watch)
	e.GET("/healthz", s.healthz)
	if cfg.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	s.echo = e
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully, closing open watch connections first.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.echo.Listener = ln
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("API listening", zap.String("addr", ln.Addr().String()))

	errc := make(chan error, 1)
	go func() {
		errc <- s.echo.Start(s.cfg.Listen)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}

	s.logger.Info("Shutting down API...")
	s.stopWatchers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server failed: %w", err)
	}
	return nil
}

// Addr returns the listening address once Run has bound it, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// stopWatchers asks every watch connection to close and waits for them.
func (s *Server) stopWatchers() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stopping)
	}
	s.mu.Unlock()
	s.watchers.Wait()
}

// trackWatcher registers a watch connection; it fails once shutdown began.
func (s *Server) trackWatcher() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.watchers.Add(1)
	return true
}

func (s *Server) getConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cfg.Info)
}

// listServices (GET /v1/services[?type=]) returns alive and dead entries
// ordered by key.
func (s *Server) listServices(c echo.Context) error {
	ctx := c.Request().Context()

	var (
		entries []*model.ServiceEntry
		err     error
	)
	if serviceType := c.QueryParam("type"); serviceType != "" {
		entries, err = s.dir.GetByType(ctx, serviceType)
	} else {
		entries, err = s.dir.GetAll(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	if entries == nil {
		entries = []*model.ServiceEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) getHash(c echo.Context) error {
	h, err := s.dir.Hash(c.Request().Context())
	if err != nil {
		return fmt.Errorf("failed to read hash: %w", err)
	}
	return c.String(http.StatusOK, h)
}

func (s *Server) getService(c echo.Context) error {
	key := model.Key{
		ServiceType: pathParam(c, "type"),
		Instance:    pathParam(c, "instance"),
	}
	entry, err := s.dir.GetOne(c.Request().Context(), key)
	if err != nil {
		return fmt.Errorf("failed to read service: %w", err)
	}
	if entry == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no such service instance: "+key.String())
	}
	return c.JSON(http.StatusOK, entry)
}

type healthResponse struct {
	Status string `json:"status"`
	cache.Health
}

func (s *Server) healthz(c echo.Context) error {
	h, err := s.dir.Health(c.Request().Context())
	if err != nil {
		return fmt.Errorf("failed to read health: %w", err)
	}
	if h.Degraded {
		return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "degraded", Health: h})
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Health: h})
}

// pathParam returns an unescaped path parameter. Instance names may contain
// spaces and dots.
func pathParam(c echo.Context, name string) string {
	raw := c.Param(name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleError maps handler errors to status codes. A stopped cache means the
// authority is shutting down, which is reported as 503.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, cache.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("HTTP request error", zap.String("path", c.Path()), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorResponse{Error: msg})
}

func requestLogger(l *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			req := c.Request()
			logging.LogHTTPRequest(l, c.RealIP(), req.Method, req.URL.Path, c.Response().Status, time.Since(start))
			return nil
		}
	}
}

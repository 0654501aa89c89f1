package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/queue"
)

type Server struct {
	cfg      *Config             // Server configuration
	registry *Registry           // Live connections
	limiter  *AcceptLimiter      // Accept throttle, nil when unlimited
	metrics  *Metrics            // Prometheus collectors
	gatherer prometheus.Gatherer // Source for the /metrics endpoint
	logger   *zap.Logger         // Logger instance

	mu   sync.Mutex
	addr net.Addr // Bound address once serving
}

// Option customizes a Server.
type Option func(*Server)

// WithPrometheusRegistry registers the server's metrics on reg and serves
// reg on the metrics endpoint.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.metrics = NewMetrics(reg)
		s.gatherer = reg
	}
}

// NewServer creates a new Server. cfg is expected to be validated.
func NewServer(cfg *Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		limiter:  NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		reg := prometheus.NewRegistry()
		s.metrics = NewMetrics(reg)
		s.gatherer = reg
	}
	return s
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the listening address, or nil before Serve is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the configured address and serves on it. A listener setup
// failure is returned as *SetupError before any worker starts.
func (s *Server) Start(ctx context.Context) error {
	ln, err := Listen(s.cfg)
	if err != nil {
		return err
	}

	return s.Serve(ctx, ln)
}

// Serve starts the worker pool and dispatches connections accepted on ln
// until ctx is canceled or accepting fails. On return ln, the queue and all
// live connections are closed and every worker has exited. It returns
// ctx.Err() after a requested shutdown and *AcceptError after a fatal accept
// failure.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.logger.Info("Server listening",
		zap.String("address", ln.Addr().String()),
		zap.String("dispatch", string(s.cfg.Dispatch)),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_capacity", s.cfg.QueueCapacity))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	acc := &acceptor{
		ln:         ln,
		limiter:    s.limiter,
		policy:     s.cfg.AcceptErrorPolicy,
		maxElapsed: s.cfg.AcceptRetryMaxElapsed,
		metrics:    s.metrics,
		logger:     s.logger,
		stop:       stop,
	}

	var (
		q      *queue.BoundedQueue[*Conn]
		source Source
	)
	if s.cfg.Dispatch == DispatchMultiAccept {
		source = &acceptSource{ctx: gctx, acceptor: acc}
	} else {
		var err error
		q, err = queue.New[*Conn](s.cfg.QueueCapacity)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to create dispatch queue: %w", err)
		}
		source = &queueSource{queue: q, metrics: s.metrics}
	}

	handler := NewHandler(s.cfg.ReadSize, s.cfg.IdleTimeout, s.metrics, s.logger)
	pool := NewPool(s.cfg.Workers, source, handler, s.registry, s.metrics, s.logger)
	pool.Start(g)

	if q != nil {
		g.Go(func() error {
			return s.dispatch(gctx, acc, q)
		})
	}

	if s.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return s.serveMetrics(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down server")
		_ = ln.Close()
		if q != nil {
			q.Close()
		}
		if n := s.registry.CloseAll(); n > 0 {
			s.logger.Info("Closed live connections", zap.Int("count", n))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("Server stopped")
	return ctx.Err()
}

// dispatch is the acceptor loop of queue mode. Push blocks while the queue is
// full, which stops accepting and leaves new peers in the listen backlog.
func (s *Server) dispatch(ctx context.Context, acc *acceptor, q *queue.BoundedQueue[*Conn]) error {
	for {
		conn, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, common.ErrShuttingDown) {
				return nil
			}
			s.logger.Error("Failed to accept connection", zap.Error(err))
			return err
		}

		if err := q.Push(conn); err != nil {
			_ = conn.Close()
			s.metrics.connectionClosed(CloseShutdown)
			return nil
		}
		s.metrics.QueueDepth.Set(float64(q.Len()))
	}
}

func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return &SetupError{Op: "listen", Addr: s.cfg.MetricsAddr, Err: err}
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Metrics endpoint listening", zap.String("address", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

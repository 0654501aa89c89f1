package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/queue"
)

// Source hands connections to workers. Next blocks until a connection is
// available; common.ErrShuttingDown tells the worker to exit cleanly and any
// other error is fatal.
type Source interface {
	Next() (*Conn, error)
}

// queueSource pops connections pushed by the dispatcher.
type queueSource struct {
	queue   *queue.BoundedQueue[*Conn]
	metrics *Metrics
}

func (s *queueSource) Next() (*Conn, error) {
	conn, err := s.queue.Pop()
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return nil, common.ErrShuttingDown
		}
		return nil, err
	}
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	return conn, nil
}

// acceptSource lets each worker accept on the shared listener itself.
type acceptSource struct {
	ctx      context.Context
	acceptor *acceptor
}

func (s *acceptSource) Next() (*Conn, error) {
	return s.acceptor.Accept(s.ctx)
}

// Worker takes one connection at a time from its Source and serves it to
// completion before taking the next.
type Worker struct {
	id       int
	source   Source
	handler  *Handler
	registry *Registry
	metrics  *Metrics
	logger   *zap.Logger
}

// ID returns the worker ordinal.
func (w *Worker) ID() int {
	return w.id
}

// Run loops until the source reports shutdown (nil) or fails (the error).
func (w *Worker) Run() error {
	w.logger.Info("Worker has started")

	for {
		conn, err := w.source.Next()
		if err != nil {
			if errors.Is(err, common.ErrShuttingDown) {
				w.logger.Info("Worker stopped")
				return nil
			}
			w.logger.Error("Worker failed to obtain a connection", zap.Error(err))
			return err
		}

		w.serve(conn)
	}
}

func (w *Worker) serve(conn *Conn) {
	if err := w.registry.Register(conn, w.id); err != nil {
		_ = conn.Close()
		w.metrics.connectionClosed(CloseShutdown)
		w.logger.Info("Dropping queued connection during shutdown", zap.String("conn_id", conn.ID))
		return
	}
	defer w.registry.Unregister(conn.ID)

	w.metrics.BusyWorkers.Inc()
	defer w.metrics.BusyWorkers.Dec()

	w.logger.Info("Worker started handling incoming connection",
		zap.String("conn_id", conn.ID),
		zap.String("remote_addr", conn.remoteAddr()),
		zap.Duration("queued_for", time.Since(conn.AcceptedAt)))

	reason := w.handler.Serve(w.id, conn)
	w.metrics.connectionClosed(reason)
}

// Pool is the fixed set of workers created at startup.
type Pool struct {
	workers []*Worker
	metrics *Metrics
}

// NewPool creates size workers numbered 0..size-1 sharing source.
func NewPool(size int, source Source, handler *Handler, registry *Registry, metrics *Metrics, logger *zap.Logger) *Pool {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		workers: make([]*Worker, size),
		metrics: metrics,
	}
	for i := range p.workers {
		p.workers[i] = &Worker{
			id:       i,
			source:   source,
			handler:  handler,
			registry: registry,
			metrics:  metrics,
			logger:   logger.With(zap.Int("worker", i)),
		}
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Workers returns the workers in ordinal order.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Start launches every worker in g. The first worker error cancels g's context.
func (p *Pool) Start(g *errgroup.Group) {
	for _, w := range p.workers {
		g.Go(w.Run)
	}
	p.metrics.Workers.Set(float64(len(p.workers)))
}

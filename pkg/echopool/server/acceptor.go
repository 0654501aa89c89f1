package server

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tbxark/echopool/pkg/echopool/common"
)

// acceptor wraps the listener with the rate limit and the accept error
// policy. It holds no per-call state, so workers in multi-accept mode share
// one.
type acceptor struct {
	ln         net.Listener
	limiter    *AcceptLimiter
	policy     AcceptErrorPolicy
	maxElapsed time.Duration
	metrics    *Metrics
	logger     *zap.Logger
	stop       func() // Cancels the serve context when the listener is gone
}

// Accept returns the next connection. It returns common.ErrShuttingDown once
// ctx is done or the listener has been closed, and *AcceptError when the
// policy gives up.
func (a *acceptor) Accept(ctx context.Context) (*Conn, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, common.ErrShuttingDown
	}

	var bo backoff.BackOff
	for {
		nc, err := a.ln.Accept()
		if err == nil {
			conn := newConn(nc)
			a.metrics.ConnectionsAccepted.Inc()
			a.logger.Info("Accepted connection",
				zap.String("conn_id", conn.ID),
				zap.String("remote_addr", conn.remoteAddr()))
			return conn, nil
		}

		if ctx.Err() != nil {
			return nil, common.ErrShuttingDown
		}
		if common.IsClosedConnError(err) {
			a.logger.Info("Listener closed, stopping")
			if a.stop != nil {
				a.stop()
			}
			return nil, common.ErrShuttingDown
		}

		if a.policy != AcceptRetry {
			return nil, &AcceptError{Err: err}
		}

		if bo == nil {
			bo = a.newBackOff()
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return nil, &AcceptError{Err: err, Retried: true}
		}

		a.logger.Warn("Failed to accept connection, will retry",
			zap.Error(err),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, common.ErrShuttingDown
		}
	}
}

func (a *acceptor) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = a.maxElapsed
	b.Reset()
	return b
}

package server

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/proto"
)

// CloseReason records why a connection reached the Closed state.
type CloseReason string

const (
	CloseEOF      CloseReason = "eof"      // Peer shut down its write side
	CloseError    CloseReason = "error"    // Read failed or timed out
	CloseShutdown CloseReason = "shutdown" // Closed locally while the server stops
)

// Handler runs the echo loop for one connection at a time.
type Handler struct {
	readSize    int
	idleTimeout time.Duration
	metrics     *Metrics
	logger      *zap.Logger
}

// NewHandler creates a Handler reading at most readSize bytes per receive.
func NewHandler(readSize int, idleTimeout time.Duration, metrics *Metrics, logger *zap.Logger) *Handler {
	if readSize <= 0 {
		readSize = proto.DefaultReadSize
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		readSize:    readSize,
		idleTimeout: idleTimeout,
		metrics:     metrics,
		logger:      logger,
	}
}

// Serve echoes every chunk read from conn back to the peer, tagged with the
// worker ordinal, until the peer closes or a read fails. A failed reply is
// logged and the loop goes on. conn is closed exactly once before Serve
// returns.
func (h *Handler) Serve(worker int, conn *Conn) CloseReason {
	defer func() {
		_ = conn.Close()
	}()

	logger := h.logger.With(
		zap.Int("worker", worker),
		zap.String("conn_id", conn.ID),
		zap.String("remote_addr", conn.remoteAddr()))

	buf := make([]byte, h.readSize)
	reply := make([]byte, 0, h.readSize+64)

	for {
		if h.idleTimeout > 0 {
			if err := common.SetReadDeadline(conn, h.idleTimeout); err != nil {
				logger.Warn("Failed to set read deadline, closing the connection", zap.Error(err))
				return CloseError
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			h.metrics.Messages.Inc()
			logger.Debug("Received data",
				zap.Int("bytes", n),
				zap.ByteString("payload", buf[:n]))

			reply = proto.AppendReply(reply[:0], worker, buf[:n])
			if _, werr := conn.Write(reply); werr != nil {
				h.metrics.ReplyFailures.Inc()
				logger.Warn("Failed to send reply", zap.Error(werr))
			}
		}

		if err != nil {
			return h.closeReason(logger, err)
		}
	}
}

func (h *Handler) closeReason(logger *zap.Logger, err error) CloseReason {
	switch {
	case errors.Is(err, io.EOF):
		logger.Info("The client has closed connection")
		return CloseEOF
	case common.IsClosedConnError(err):
		logger.Info("Connection closed during shutdown")
		return CloseShutdown
	case common.IsTimeout(err):
		logger.Warn("Connection idle timeout, closing the socket", zap.Duration("timeout", h.idleTimeout))
		return CloseError
	default:
		logger.Warn("Error happened while reading, closing the socket", zap.Error(err))
		return CloseError
	}
}

package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/proto"
)

var (
	ErrEmptyPayload    = errors.New("payload is empty")
	ErrPayloadNewline  = errors.New("payload must not contain a newline")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
)

// Client is a connection to an echo server. Send is not safe for concurrent
// use.
type Client struct {
	cfg    *Config
	conn   net.Conn
	reader *bufio.Reader
	logger *zap.Logger
}

// Dial connects to cfg.ServerAddr, retrying with exponential backoff until
// cfg.RetryMaxElapsed has passed or ctx is done.
func Dial(ctx context.Context, cfg *Config, logger *zap.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	var conn net.Conn
	operation := func() error {
		c, err := dialer.DialContext(ctx, "tcp", cfg.ServerAddr)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn("Connection failed, will retry",
			zap.String("server", cfg.ServerAddr),
			zap.Error(err),
			zap.Duration("delay", delay))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(newBackOff(cfg.RetryMaxElapsed), ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.ServerAddr, err)
	}

	logger.Info("Connected to server",
		zap.String("server", cfg.ServerAddr),
		zap.String("local_addr", conn.LocalAddr().String()))

	return &Client{
		cfg:    cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
	}, nil
}

func newBackOff(maxElapsed time.Duration) backoff.BackOff {
	if maxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	b.Reset()
	return b
}

// Send writes payload as one message and waits for its reply. The payload
// must fit in a single server read and must not contain a newline, so that
// exactly one reply line comes back.
func (c *Client) Send(payload []byte) (proto.Reply, error) {
	switch {
	case len(payload) == 0:
		return proto.Reply{}, ErrEmptyPayload
	case len(payload) > c.cfg.MaxPayload:
		return proto.Reply{}, ErrPayloadTooLarge
	case bytes.IndexByte(payload, '\n') >= 0:
		return proto.Reply{}, ErrPayloadNewline
	}

	if _, err := c.conn.Write(payload); err != nil {
		return proto.Reply{}, fmt.Errorf("failed to send payload: %w", err)
	}

	if c.cfg.ReplyTimeout > 0 {
		if err := common.SetReadDeadline(c.conn, c.cfg.ReplyTimeout); err != nil {
			return proto.Reply{}, err
		}
		defer func() {
			_ = common.ClearDeadline(c.conn)
		}()
	}

	reply, err := proto.ReadReply(c.reader)
	if err != nil {
		return proto.Reply{}, fmt.Errorf("failed to read reply: %w", err)
	}

	c.logger.Debug("Received reply",
		zap.Int("worker", reply.Worker),
		zap.Int("bytes", len(reply.Payload)))

	return reply, nil
}

// CloseWrite half-closes the connection; the server then closes its side.
func (c *Client) CloseWrite() error {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		return tcp.CloseWrite()
	}
	return c.conn.Close()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

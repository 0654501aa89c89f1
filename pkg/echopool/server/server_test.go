package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type runningServer struct {
	srv    *Server
	addr   string
	cancel context.CancelFunc
	errCh  chan error
}

// startServer serves cfg on a fresh loopback listener until the test ends.
func startServer(t *testing.T, cfg *Config) *runningServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serveOn(t, cfg, ln)
}

func serveOn(t *testing.T, cfg *Config, ln net.Listener) *runningServer {
	t.Helper()

	srv := NewServer(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	rs := &runningServer{
		srv:    srv,
		addr:   ln.Addr().String(),
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	done := make(chan struct{})
	go func() {
		rs.errCh <- srv.Serve(ctx, ln)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return rs
}

func (rs *runningServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-rs.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func dial(t *testing.T, addr string) *tcpClient {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return &tcpClient{conn: c, reader: bufio.NewReader(c)}
}

func TestServerEcho(t *testing.T) {
	cfg := testConfig()
	rs := startServer(t, cfg)

	c := dial(t, rs.addr)
	reply := c.send(t, "hello")
	assert.Equal(t, "hello", reply.Payload)
	assert.GreaterOrEqual(t, reply.Worker, 0)
	assert.Less(t, reply.Worker, cfg.Workers)

	// Same connection, same worker, replies in order.
	for _, payload := range []string{"one", "two", "three"} {
		r := c.send(t, payload)
		assert.Equal(t, payload, r.Payload)
		assert.Equal(t, reply.Worker, r.Worker)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(rs.srv.Metrics().ConnectionsAccepted))
	assert.Equal(t, float64(4), testutil.ToFloat64(rs.srv.Metrics().Messages))
}

func TestServerGracefulClose(t *testing.T) {
	cfg := testConfig()
	rs := startServer(t, cfg)

	a := dial(t, rs.addr)
	b := dial(t, rs.addr)
	assert.Equal(t, "a", a.send(t, "a").Payload)
	assert.Equal(t, "b", b.send(t, "b").Payload)

	require.NoError(t, a.conn.(*net.TCPConn).CloseWrite())
	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := a.reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF, "server should close its side")

	// The other connection is unaffected and the freed worker takes new work.
	assert.Equal(t, "still here", b.send(t, "still here").Payload)
	c := dial(t, rs.addr)
	assert.Equal(t, "c", c.send(t, "c").Payload)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(rs.srv.Metrics().ConnectionsClosed.WithLabelValues(string(CloseEOF))) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerBackpressure(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 1
	rs := startServer(t, cfg)
	metrics := rs.srv.Metrics()

	c1 := dial(t, rs.addr)
	assert.Equal(t, "busy", c1.send(t, "busy").Payload)

	// c2 fills the queue, c3 is accepted and blocks the acceptor in Push,
	// c4 stays in the listen backlog.
	dial(t, rs.addr)
	dial(t, rs.addr)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ConnectionsAccepted) == 3
	}, 2*time.Second, 10*time.Millisecond)

	c4 := dial(t, rs.addr)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ConnectionsAccepted), "acceptor should be blocked")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.QueueDepth))

	// Freeing the worker lets the acceptor move again.
	require.NoError(t, c1.conn.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ConnectionsAccepted) == 4
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c4.conn.Write([]byte("late"))
	require.NoError(t, err)
}

func TestServerShutdownClosesConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueCapacity = 1
	rs := startServer(t, cfg)
	metrics := rs.srv.Metrics()

	active := dial(t, rs.addr)
	assert.Equal(t, "x", active.send(t, "x").Payload)
	queued := dial(t, rs.addr)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ConnectionsAccepted) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rs.cancel()
	err := rs.wait(t)
	assert.ErrorIs(t, err, context.Canceled)

	for _, c := range []*tcpClient{active, queued} {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := c.reader.ReadByte()
		assert.Error(t, err)
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ConnectionsClosed.WithLabelValues(string(CloseShutdown))))
	assert.Equal(t, 0, rs.srv.Registry().Len())

	_, err = net.DialTimeout("tcp", rs.addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

func TestServerMultiAccept(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch = DispatchMultiAccept
	cfg.Workers = 3
	rs := startServer(t, cfg)

	clients := []*tcpClient{dial(t, rs.addr), dial(t, rs.addr), dial(t, rs.addr)}
	seen := map[int]bool{}
	for _, c := range clients {
		reply := c.send(t, "multi")
		assert.Equal(t, "multi", reply.Payload)
		seen[reply.Worker] = true
	}
	assert.Len(t, seen, 3)

	rs.cancel()
	assert.ErrorIs(t, rs.wait(t), context.Canceled)
}

// flakyListener fails the first len(errs) Accept calls, then delegates.
type flakyListener struct {
	net.Listener
	mu   sync.Mutex
	errs []error
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if len(l.errs) > 0 {
		err := l.errs[0]
		l.errs = l.errs[1:]
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

// brokenListener fails every Accept.
type brokenListener struct {
	net.Listener
}

var errAcceptBroken = errors.New("accept: too many open files")

func (l *brokenListener) Accept() (net.Conn, error) {
	return nil, errAcceptBroken
}

func TestServerAcceptFailureIsFatal(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig()
	rs := serveOn(t, cfg, &brokenListener{Listener: inner})

	err = rs.wait(t)
	var acceptErr *AcceptError
	require.ErrorAs(t, err, &acceptErr)
	assert.False(t, acceptErr.Retried)
	assert.ErrorIs(t, err, errAcceptBroken)
}

func TestServerAcceptFailureMultiAcceptIsFatal(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Dispatch = DispatchMultiAccept
	rs := serveOn(t, cfg, &brokenListener{Listener: inner})

	var acceptErr *AcceptError
	require.ErrorAs(t, rs.wait(t), &acceptErr)
}

func TestServerAcceptRetry(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.AcceptErrorPolicy = AcceptRetry
	cfg.AcceptRetryMaxElapsed = 5 * time.Second
	ln := &flakyListener{
		Listener: inner,
		errs:     []error{errAcceptBroken, errAcceptBroken, errAcceptBroken},
	}
	rs := serveOn(t, cfg, ln)

	c := dial(t, rs.addr)
	assert.Equal(t, "retry", c.send(t, "retry").Payload)
}

func TestServerAcceptRetryExhausted(t *testing.T) {
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := testConfig()
	cfg.AcceptErrorPolicy = AcceptRetry
	cfg.AcceptRetryMaxElapsed = 50 * time.Millisecond
	rs := serveOn(t, cfg, &brokenListener{Listener: inner})

	var acceptErr *AcceptError
	require.ErrorAs(t, rs.wait(t), &acceptErr)
	assert.True(t, acceptErr.Retried)
}

func TestServerListenerClosedExternally(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	rs := serveOn(t, testConfig(), ln)
	c := dial(t, rs.addr)
	assert.Equal(t, "x", c.send(t, "x").Payload)

	require.NoError(t, ln.Close())
	assert.NoError(t, rs.wait(t))
}

func TestServerStartBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = occupied.Close()
	}()

	cfg := testConfig()
	cfg.Port = occupied.Addr().(*net.TCPAddr).Port
	srv := NewServer(cfg, zap.NewNop())

	err = srv.Start(context.Background())

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Contains(t, []string{"bind", "listen"}, setupErr.Op)
	assert.Nil(t, srv.Addr(), "server must not start serving")
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.Metrics().Workers), "no worker may start")
	assert.Equal(t, float64(0), testutil.ToFloat64(srv.Metrics().ConnectionsAccepted))
}

func TestServerStart(t *testing.T) {
	cfg := testConfig()
	srv := NewServer(cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return srv.Addr() != nil
	}, 2*time.Second, 10*time.Millisecond)

	c := dial(t, srv.Addr().String())
	assert.Equal(t, "started", c.send(t, "started").Payload)
	assert.Equal(t, float64(cfg.Workers), testutil.ToFloat64(srv.Metrics().Workers))

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	metricsAddr := probe.Addr().String()
	require.NoError(t, probe.Close())

	cfg := testConfig()
	cfg.MetricsAddr = metricsAddr

	reg := prometheus.NewRegistry()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(cfg, zap.NewNop(), WithPrometheusRegistry(reg))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		<-errCh
	}()

	c := dial(t, ln.Addr().String())
	c.send(t, "metrics")

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + metricsAddr + "/metrics")
		if err != nil {
			return false
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	assert.Contains(t, string(body), "echopool_connections_accepted_total 1")
	assert.Contains(t, string(body), "echopool_messages_total 1")
	assert.Contains(t, string(body), "echopool_workers 2")
}

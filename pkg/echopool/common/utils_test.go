package common

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetReadDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
	}()
	defer func() {
		_ = client.Close()
	}()

	timeout := 100 * time.Millisecond
	err := SetReadDeadline(client, timeout)
	require.NoError(t, err)

	buf := make([]byte, 10)
	start := time.Now()
	_, err = client.Read(buf)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err), "error should be a timeout")
	assert.True(t, elapsed >= timeout, "should wait at least the timeout duration")
	assert.True(t, elapsed < timeout*5, "should not wait much longer than timeout")
}

func TestClearDeadline(t *testing.T) {
	server, client := net.Pipe()
	defer func() {
		_ = server.Close()
	}()
	defer func() {
		_ = client.Close()
	}()

	err := SetReadDeadline(client, 100*time.Millisecond)
	require.NoError(t, err)

	err = ClearDeadline(client)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		_, _ = server.Write([]byte("test"))
	}()

	buf := make([]byte, 10)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "test", string(buf[:n]))
}

func TestIsClosedConnError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = ln.Accept()
	require.Error(t, err)
	assert.True(t, IsClosedConnError(err))

	server, client := net.Pipe()
	_ = server.Close()
	_ = client.Close()
	_, err = client.Write([]byte("x"))
	assert.True(t, IsClosedConnError(err))

	assert.False(t, IsClosedConnError(io.EOF))
	assert.False(t, IsClosedConnError(nil))
	assert.True(t, IsClosedConnError(fmt.Errorf("wrapped: %w", net.ErrClosed)))
}

package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbxark/echopool/pkg/echopool/common"
)

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return newConn(server), client
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	assert.NotNil(t, r)
	assert.NotNil(t, r.slots)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	c1, _ := pipeConn(t)
	c2, _ := pipeConn(t)

	require.NoError(t, r.Register(c1, 0))
	require.NoError(t, r.Register(c2, 3))
	assert.Equal(t, 2, r.Len())

	infos := r.Snapshot()
	require.Len(t, infos, 2)
	workers := map[string]int{}
	for _, info := range infos {
		workers[info.ID] = info.Worker
		assert.WithinDuration(t, time.Now(), info.Since, time.Second)
	}
	assert.Equal(t, 0, workers[c1.ID])
	assert.Equal(t, 3, workers[c2.ID])

	r.Unregister(c1.ID)
	assert.Equal(t, 1, r.Len())

	// Unknown IDs are ignored
	r.Unregister("missing")
	r.Unregister(c1.ID)
	assert.Equal(t, 1, r.Len())
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()
	c1, client1 := pipeConn(t)
	c2, client2 := pipeConn(t)

	require.NoError(t, r.Register(c1, 0))
	require.NoError(t, r.Register(c2, 1))

	assert.Equal(t, 2, r.CloseAll())

	// Peers observe the close
	buf := make([]byte, 1)
	_, err := client1.Read(buf)
	assert.Error(t, err)
	_, err = client2.Read(buf)
	assert.Error(t, err)

	// Closing again is a no-op
	assert.Equal(t, 0, r.CloseAll())

	c3, _ := pipeConn(t)
	assert.ErrorIs(t, r.Register(c3, 0), common.ErrShuttingDown)
}

func TestConnCloseOnce(t *testing.T) {
	c, _ := pipeConn(t)

	first := c.Close()
	second := c.Close()
	assert.NoError(t, first)
	assert.Equal(t, first, second)
	assert.NotEmpty(t, c.ID)
}

package server

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is an accepted connection on its way from the acceptor to a worker.
// Exactly one goroutine owns it at a time; Close is safe to call repeatedly
// and releases the socket once.
type Conn struct {
	net.Conn
	ID         string    // Connection UUID, used for log attribution
	AcceptedAt time.Time // When Accept returned

	closeOnce sync.Once
	closeErr  error
}

func newConn(c net.Conn) *Conn {
	return &Conn{
		Conn:       c,
		ID:         uuid.New().String(),
		AcceptedAt: time.Now(),
	}
}

// Close closes the underlying connection on the first call and returns that
// call's result on every call.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

func (c *Conn) remoteAddr() string {
	if addr := c.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

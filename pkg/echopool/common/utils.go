package common

import (
	"errors"
	"io"
	"net"
	"time"
)

func SetReadDeadline(conn net.Conn, timeout time.Duration) error {
	return conn.SetReadDeadline(time.Now().Add(timeout))
}

func ClearDeadline(conn net.Conn) error {
	return conn.SetDeadline(time.Time{})
}

// IsClosedConnError reports whether err comes from using a connection or
// listener that has already been closed locally.
func IsClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

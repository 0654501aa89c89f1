//go:build !(linux || darwin || freebsd)

package server

import (
	"context"
	"net"
)

// listen falls back to the standard listener; the backlog and SO_REUSEPORT
// settings are not applied on this platform.
func listen(cfg *Config) (net.Listener, error) {
	addr := cfg.ListenAddr()

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, &SetupError{Op: "listen", Addr: addr, Err: err}
	}
	return ln, nil
}

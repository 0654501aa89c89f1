package server

import "net"

// Listen creates the server's TCP listener according to cfg: address reuse,
// optional port reuse and the configured backlog. Failures are returned as
// *SetupError.
func Listen(cfg *Config) (net.Listener, error) {
	return listen(cfg)
}

//go:build linux || darwin || freebsd

package server

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listen builds the socket by hand so the backlog and SO_REUSEPORT can be set
// before bind, then hands the descriptor to the runtime poller.
func listen(cfg *Config) (net.Listener, error) {
	addr := cfg.ListenAddr()

	ip := net.ParseIP(cfg.host())
	if ip == nil {
		return nil, &SetupError{Op: "resolve", Addr: addr, Err: fmt.Errorf("invalid host %q", cfg.host())}
	}
	family, sa := sockaddr(ip, cfg.Port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, &SetupError{Op: "socket", Addr: addr, Err: os.NewSyscallError("socket", err)}
	}
	unix.CloseOnExec(fd)

	owned := false
	defer func() {
		if !owned {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, &SetupError{Op: "setsockopt", Addr: addr, Err: os.NewSyscallError("setsockopt SO_REUSEADDR", err)}
	}

	if cfg.ReusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return nil, &SetupError{Op: "setsockopt", Addr: addr, Err: os.NewSyscallError("setsockopt SO_REUSEPORT", err)}
		}
	}

	if err := unix.Bind(fd, sa); err != nil {
		return nil, &SetupError{Op: "bind", Addr: addr, Err: os.NewSyscallError("bind", err)}
	}

	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		return nil, &SetupError{Op: "listen", Addr: addr, Err: os.NewSyscallError("listen", err)}
	}

	// The file owns fd from here on; FileListener dups it.
	f := os.NewFile(uintptr(fd), "echopool-listener")
	owned = true
	defer func() {
		_ = f.Close()
	}()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, &SetupError{Op: "file", Addr: addr, Err: err}
	}

	return ln, nil
}

func sockaddr(ip net.IP, port int) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

package server

import "fmt"

// SetupError reports a failure while creating the listening socket.
// Op names the failing stage: socket, setsockopt, bind, listen or file.
type SetupError struct {
	Op   string
	Addr string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// AcceptError reports an accept failure that stopped the dispatcher.
type AcceptError struct {
	Err     error
	Retried bool // Backoff was attempted and exhausted
}

func (e *AcceptError) Error() string {
	if e.Retried {
		return "accept failed after retries: " + e.Err.Error()
	}
	return "accept failed: " + e.Err.Error()
}

func (e *AcceptError) Unwrap() error {
	return e.Err
}

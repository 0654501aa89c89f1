package common

import "errors"

// Standard errors for use with errors.Is.
var (
	ErrShuttingDown        = errors.New("server shutting down")
	ErrInvalidDispatch     = errors.New("invalid dispatch mode")
	ErrInvalidAcceptPolicy = errors.New("invalid accept error policy")
	ErrConnectionClosed    = errors.New("connection closed")
)

package server

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/proto"
)

// DispatchMode selects how accepted connections reach workers.
type DispatchMode string

const (
	// DispatchQueue runs one acceptor that pushes onto a bounded queue.
	DispatchQueue DispatchMode = "queue"
	// DispatchMultiAccept lets every worker call Accept on the shared listener.
	DispatchMultiAccept DispatchMode = "multi-accept"
)

// AcceptErrorPolicy selects what the acceptor does when Accept fails.
type AcceptErrorPolicy string

const (
	// AcceptFatal stops the server on the first accept failure.
	AcceptFatal AcceptErrorPolicy = "fatal"
	// AcceptRetry retries with exponential backoff until AcceptRetryMaxElapsed.
	AcceptRetry AcceptErrorPolicy = "retry"
)

// Config holds server configuration.
type Config struct {
	Host                  string            `validate:"omitempty,ip"`
	Port                  int               `validate:"min=0,max=65535"`
	Workers               int               `validate:"required,min=1"`
	QueueCapacity         int               `validate:"required,min=1"`
	Backlog               int               `validate:"required,min=1"`
	ReadSize              int               `validate:"required,min=1,max=1048576"`
	ReusePort             bool              // Set SO_REUSEPORT before bind
	Dispatch              DispatchMode      `validate:"required,oneof=queue multi-accept"`
	AcceptErrorPolicy     AcceptErrorPolicy `validate:"required,oneof=fatal retry"`
	AcceptRetryMaxElapsed time.Duration     `validate:"min=0s"` // 0 retries forever
	AcceptRate            float64           `validate:"min=0"`  // Connections per second, 0 = unlimited
	AcceptBurst           int               `validate:"min=0"`
	IdleTimeout           time.Duration     `validate:"min=0s"` // 0 disables the read deadline
	MetricsAddr           string            `validate:"omitempty,hostname_port"`
}

// DefaultConfig returns the reference deployment: port 8080 on all
// interfaces, five workers, a queue of five and a listen backlog of twelve.
func DefaultConfig() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		Workers:               5,
		QueueCapacity:         5,
		Backlog:               12,
		ReadSize:              proto.DefaultReadSize,
		ReusePort:             true,
		Dispatch:              DispatchQueue,
		AcceptErrorPolicy:     AcceptFatal,
		AcceptRetryMaxElapsed: time.Minute,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := common.ValidateStruct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		return fmt.Errorf("configuration validation failed: accept burst must be at least 1 when accept rate is set")
	}

	return nil
}

// ListenAddr returns the host:port the server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.host(), strconv.Itoa(c.Port))
}

func (c *Config) host() string {
	if c.Host == "" {
		return "0.0.0.0"
	}
	return c.Host
}

// ParseDispatchMode converts a flag value into a DispatchMode.
func ParseDispatchMode(s string) (DispatchMode, error) {
	switch m := DispatchMode(s); m {
	case DispatchQueue, DispatchMultiAccept:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q (expected %q or %q)", common.ErrInvalidDispatch, s, DispatchQueue, DispatchMultiAccept)
	}
}

// ParseAcceptErrorPolicy converts a flag value into an AcceptErrorPolicy.
func ParseAcceptErrorPolicy(s string) (AcceptErrorPolicy, error) {
	switch p := AcceptErrorPolicy(s); p {
	case AcceptFatal, AcceptRetry:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q (expected %q or %q)", common.ErrInvalidAcceptPolicy, s, AcceptFatal, AcceptRetry)
	}
}

package client

import (
	"fmt"
	"time"

	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/proto"
)

// Config holds client configuration.
type Config struct {
	ServerAddr      string        `validate:"required,hostname_port"`
	DialTimeout     time.Duration `validate:"min=0s"` // Per attempt, 0 = no timeout
	ReplyTimeout    time.Duration `validate:"min=0s"` // 0 = wait forever
	RetryMaxElapsed time.Duration `validate:"min=0s"` // 0 = single dial attempt
	MaxPayload      int           `validate:"min=1"`
}

// DefaultConfig returns a client configuration for addr.
func DefaultConfig(addr string) *Config {
	return &Config{
		ServerAddr:      addr,
		DialTimeout:     5 * time.Second,
		ReplyTimeout:    10 * time.Second,
		RetryMaxElapsed: 30 * time.Second,
		MaxPayload:      proto.DefaultReadSize,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := common.ValidateStruct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tbxark/echopool/pkg/echopool/client"
	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/version"
)

func main() {
	cfg, logLevel, err := parseFlags()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to parse configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := common.NewLoggerFromString(logLevel)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Dial(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer func() {
		_ = c.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	if err := run(c, os.Stdin, os.Stdout); err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		logger.Error("Client error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	logger.Info("echopool client stopped")
}

// run sends each non-empty input line and prints the reply.
func run(c *client.Client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		reply, err := c.Send(line)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "worker #%d: %s\n", reply.Worker, reply.Payload); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return c.CloseWrite()
}

func parseFlags() (*client.Config, string, error) {
	cfg := client.DefaultConfig("")

	var (
		logLevel    string
		showVersion bool
	)

	pflag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:8080", "Echo server address")
	pflag.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Timeout for each dial attempt")
	pflag.DurationVar(&cfg.ReplyTimeout, "reply-timeout", cfg.ReplyTimeout, "Timeout waiting for a reply (0 = wait forever)")
	pflag.DurationVar(&cfg.RetryMaxElapsed, "retry-max-elapsed", cfg.RetryMaxElapsed, "Keep retrying the dial for this long (0 = single attempt)")
	pflag.IntVar(&cfg.MaxPayload, "max-payload", cfg.MaxPayload, "Maximum bytes per line")
	pflag.StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion())
		os.Exit(0)
	}

	if cfg.ServerAddr == "" {
		return nil, "", fmt.Errorf("--server is required")
	}

	return cfg, logLevel, nil
}

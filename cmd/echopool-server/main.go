package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tbxark/echopool/pkg/echopool/common"
	"github.com/tbxark/echopool/pkg/echopool/server"
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

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("echopool server starting", version.Fields()...)
	logger.Info("Configuration loaded",
		zap.String("listen", cfg.ListenAddr()),
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_capacity", cfg.QueueCapacity),
		zap.Int("backlog", cfg.Backlog),
		zap.String("dispatch", string(cfg.Dispatch)),
		zap.String("accept_error_policy", string(cfg.AcceptErrorPolicy)),
		zap.Bool("reuse_port", cfg.ReusePort),
		zap.String("metrics_addr", cfg.MetricsAddr))

	srv := server.NewServer(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = srv.Start(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("echopool server stopped")
	default:
		var setupErr *server.SetupError
		if errors.As(err, &setupErr) {
			logger.Error("Failed to set up listener", zap.String("op", setupErr.Op), zap.Error(setupErr.Err))
		} else {
			logger.Error("Server error", zap.Error(err))
		}
		_ = logger.Sync()
		os.Exit(1)
	}
}

func parseFlags() (*server.Config, string, error) {
	cfg := server.DefaultConfig()

	var (
		dispatch    string
		policy      string
		logLevel    string
		showVersion bool
	)

	pflag.StringVar(&cfg.Host, "host", cfg.Host, "IP address to bind")
	pflag.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	pflag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of worker goroutines")
	pflag.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "Maximum accepted connections waiting for a worker")
	pflag.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "Kernel listen backlog")
	pflag.IntVar(&cfg.ReadSize, "read-size", cfg.ReadSize, "Maximum bytes read per message")
	pflag.BoolVar(&cfg.ReusePort, "reuse-port", cfg.ReusePort, "Set SO_REUSEPORT on the listening socket")
	pflag.StringVar(&dispatch, "dispatch", string(cfg.Dispatch), "Dispatch mode: queue or multi-accept")
	pflag.StringVar(&policy, "accept-error-policy", string(cfg.AcceptErrorPolicy), "Accept failure policy: fatal or retry")
	pflag.DurationVar(&cfg.AcceptRetryMaxElapsed, "accept-retry-max-elapsed", cfg.AcceptRetryMaxElapsed, "Give up retrying accept after this long (0 = never)")
	pflag.Float64Var(&cfg.AcceptRate, "accept-rate", cfg.AcceptRate, "Maximum accepted connections per second (0 = unlimited)")
	pflag.IntVar(&cfg.AcceptBurst, "accept-burst", cfg.AcceptBurst, "Accept rate burst size")
	pflag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections idle for this long (0 = never)")
	pflag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address for the Prometheus /metrics endpoint (empty = disabled)")
	pflag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pflag.BoolVarP(&showVersion, "version", "v", false, "Show version information")

	pflag.Parse()

	if showVersion {
		fmt.Println(version.GetFullVersion())
		os.Exit(0)
	}

	var err error
	if cfg.Dispatch, err = server.ParseDispatchMode(dispatch); err != nil {
		return nil, "", err
	}
	if cfg.AcceptErrorPolicy, err = server.ParseAcceptErrorPolicy(policy); err != nil {
		return nil, "", err
	}
	if cfg.AcceptRate > 0 && cfg.AcceptBurst == 0 {
		cfg.AcceptBurst = max(1, int(cfg.AcceptRate))
	}

	return cfg, logLevel, nil
}

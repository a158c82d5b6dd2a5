// Command rpcgated runs the JSON-RPC gateway daemon: it wires the HTTP
// transport, the command dispatch table and the authenticated gateway
// together, and shuts them down in reverse order on SIGINT/SIGTERM or a
// "stop" RPC.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mnehpets/rpcgate/config"
	"github.com/mnehpets/rpcgate/httprpc"
	"github.com/mnehpets/rpcgate/httpserver"
	"github.com/mnehpets/rpcgate/rpcserver"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rpcgated:", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := flag.String("env", ".env", "path to .env configuration file")
	flagCfg := config.Default()
	flagCfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}
	cfg.ApplyFlagOverrides(flag.CommandLine, flagCfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	credential, credentialHash, err := resolveCredential(cfg, log)
	if err != nil {
		return err
	}

	table := rpcserver.NewTable("rpcgate server", log)

	srv := httpserver.New(httpserver.Options{
		Addr:                cfg.ListenAddr,
		Workers:             cfg.Workers,
		QueueDepthPerWorker: cfg.QueueDepthPerWorker,
		Logger:              log,
	})
	srv.Use(httpserver.LoggingMiddleware(log))
	if cfg.RateLimitPerPeer > 0 {
		srv.Use(httpserver.RateLimitMiddleware(cfg.RateLimitPerPeer, int(cfg.RateLimitPerPeer)+1))
	}

	gateway := httprpc.New(table, httprpc.Config{
		Credential:     credential,
		CredentialHash: credentialHash,
		Logger:         log,
		Metrics:        httprpc.NewMetrics(prometheus.DefaultRegisterer),
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	table.SetShutdownFunc(func() {
		select {
		case quit <- syscall.SIGTERM:
		default:
		}
	})

	table.Start()
	gateway.Start(srv)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.Info("rpcgated listening", "addr", cfg.ListenAddr)

	// Startup is complete; open the gate for command execution.
	table.SetWarmupFinished()

	select {
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	table.Interrupt()
	srv.Interrupt()
	gateway.Stop(srv)
	srv.Stop()
	table.Stop()
	return nil
}

func resolveCredential(cfg config.Config, log *slog.Logger) (string, []byte, error) {
	if cfg.RPCPasswordHash != "" {
		return "", []byte(cfg.RPCPasswordHash), nil
	}
	credential, err := httprpc.CredentialFromConfig(cfg.RPCUser, cfg.RPCPassword, func(msg string) {
		log.Error(msg)
	})
	if err != nil {
		return "", nil, err
	}
	return credential, nil, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// hostlink-worker is the worker process. It serves the domain registry over
// three channels at once: the process channel on stdin/stdout for its host,
// and the HTTP and WebSocket listeners for local clients.
//
// stdout belongs to the process channel; all logging goes to stderr or the
// configured log file, mirrored to the host as log frames.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codefionn/hostlink/internal/basedomain"
	"github.com/codefionn/hostlink/internal/config"
	"github.com/codefionn/hostlink/internal/domain"
	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/server"
	"github.com/codefionn/hostlink/internal/sysdomain"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "path to a JSON config file")
	host := flag.String("host", "", "interface to bind the listeners to")
	basePort := flag.Int("base-port", 0, "first port probed for the listeners")
	portWindow := flag.Int("port-window", 0, "number of consecutive ports probed")
	logLevel := flag.String("log-level", "", "debug, info, warn, error or none")
	logPath := flag.String("log-path", "", "log file path; empty logs to stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *basePort > 0 {
		cfg.Server.BasePort = *basePort
	}
	if *portWindow > 0 {
		cfg.Server.PortWindow = *portWindow
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}
	if envLevel := strings.TrimSpace(os.Getenv("HOSTLINK_LOG_LEVEL")); envLevel != "" {
		cfg.Log.Level = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("HOSTLINK_LOG_PATH")); envPath != "" {
		cfg.Log.Path = envPath
	}

	if err := logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.Path); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()
	defer func() {
		if err != nil {
			log.Error("Fatal error: %v", err)
		}
		if closeErr := log.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	// the forwarder is installed before any derived logger exists, so every
	// prefixed logger created below mirrors its lines to the host
	var pipe *server.PipeEndpoint
	log.SetForwarder(func(level logger.Level, message string) {
		if pipe != nil {
			pipe.SendLog(level, message)
		}
	})

	resolver := domain.NewTableResolver()
	resolver.Register(basedomain.DomainName, basedomain.Module{})
	resolver.Register(sysdomain.DomainName, sysdomain.NewModule())
	resolver.Alias("./"+basedomain.DomainName, basedomain.DomainName)
	resolver.Alias("./"+sysdomain.DomainName, sysdomain.DomainName)

	registry := domain.NewRegistry(resolver, log)
	mgr := server.NewConnectionManager(registry, log)
	registry.SetBroadcaster(mgr)

	pipe = server.NewPipeEndpoint(os.Stdin, os.Stdout, mgr, log)
	registry.OnMutation(func() {
		pipe.SendRefreshInterface(registry.DomainDescriptions())
	})

	transport := server.NewTransport(cfg.Server.Host, cfg.Server.BasePort, cfg.Server.PortWindow, registry, mgr, log)
	port, err := transport.Start()
	if err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	log.Info("worker up on %s:%d (pid=%d)", cfg.Server.Host, port, os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// blocks until the host closes our stdin or a signal arrives
	runErr := pipe.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("process channel failed: %v", runErr)
	}

	if stopErr := transport.Stop(); stopErr != nil {
		log.Warn("transport shutdown: %v", stopErr)
	}
	log.Info("worker shutting down")
	return nil
}

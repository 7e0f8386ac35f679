// hostlink is the host binary. It spawns a hostlink-worker process, keeps
// the connection alive across worker crashes and loads the configured domain
// modules. It is also a reference for embedding the worker connection in a
// larger program.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codefionn/hostlink/internal/config"
	"github.com/codefionn/hostlink/internal/logger"
	"github.com/codefionn/hostlink/internal/worker"
)

type stringSlice []string

func (s *stringSlice) String() string {
	if s == nil {
		return ""
	}
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	if value == "" {
		return fmt.Errorf("value cannot be empty")
	}
	*s = append(*s, value)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "path to a JSON config file")
	workerCmd := flag.String("worker", "", "worker executable (overrides config)")
	watch := flag.Bool("watch", false, "restart the worker when its executable changes")
	logLevel := flag.String("log-level", "", "debug, info, warn, error or none")
	logPath := flag.String("log-path", "", "log file path; empty logs to stderr")
	var domains stringSlice
	flag.Var(&domains, "domain", "domain module path to load (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *workerCmd != "" {
		cfg.Worker.Command = *workerCmd
	}
	if *watch {
		cfg.Worker.WatchExecutable = true
	}
	if len(domains) > 0 {
		cfg.Worker.Domains = append(cfg.Worker.Domains, domains...)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn := worker.NewConnection(worker.OptionsFromConfig(cfg), log)
	conn.OnClose(func(n worker.CloseNotification) {
		if !n.Reconnecting {
			log.Warn("worker connection closed")
			return
		}
		log.Warn("worker connection lost, reconnecting")
		go func() {
			if reconnectErr := <-n.Reconnected; reconnectErr != nil {
				log.Error("reconnect failed: %v", reconnectErr)
			} else {
				log.Info("worker reconnected")
			}
		}()
	})
	conn.OnEvent(func(domainName, eventName string, parameters []interface{}) {
		log.Debug("event %s:%s %v", domainName, eventName, parameters)
	})

	if err := conn.Connect(ctx, true); err != nil {
		return fmt.Errorf("failed to connect to worker: %w", err)
	}
	defer conn.Disconnect()

	if len(cfg.Worker.Domains) > 0 {
		if err := conn.LoadDomains(ctx, cfg.Worker.Domains, true); err != nil {
			return fmt.Errorf("failed to load domain modules: %w", err)
		}
		log.Info("loaded domain modules: %s", strings.Join(cfg.Worker.Domains, ", "))
	}

	if cfg.Worker.WatchExecutable {
		watcher, watchErr := worker.WatchExecutable(conn, cfg.Worker.Command, log)
		if watchErr != nil {
			return fmt.Errorf("failed to watch worker executable: %w", watchErr)
		}
		defer watcher.Close()
		go func() {
			if runErr := watcher.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.Warn("executable watcher stopped: %v", runErr)
			}
		}()
	}

	// prove the connection end to end when the stock sys domain is present
	if sys, ok := conn.Domain("sys"); ok {
		if reply, pingErr := sys.Call(ctx, "ping"); pingErr == nil {
			var pong string
			if json.Unmarshal(reply, &pong) == nil {
				log.Info("worker answered %s", pong)
			}
		}
	}

	log.Info("host running, press Ctrl-C to stop")
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

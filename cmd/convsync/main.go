package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/lhdbsbz/convsync/internal/config"
	"github.com/lhdbsbz/convsync/internal/devserver"
	"github.com/lhdbsbz/convsync/internal/engine"
	"github.com/lhdbsbz/convsync/internal/gateway"
	"github.com/lhdbsbz/convsync/internal/metrics"
	"github.com/lhdbsbz/convsync/internal/persist"
	"github.com/lhdbsbz/convsync/internal/reconcile"
	"github.com/lhdbsbz/convsync/internal/remote"
	"github.com/lhdbsbz/convsync/internal/session"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("convsync v%s\n", version)
	case "serve":
		err = serve(os.Args[2:])
	case "devserver":
		err = runDevServer(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("convsync - conversation session and message sync engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  convsync serve       Start the sync engine and its local gateway")
	fmt.Println("  convsync devserver   Start in-memory agent and store services")
	fmt.Println("  convsync version     Show version info")
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(h))
}

func loadConfig(flagPath string) (*config.Config, string, error) {
	path := config.ResolveConfigPath(flagPath)
	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("shutdown signal received", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func serve(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfgFlag := fs.String("config", "", "config file (default $CONVSYNC_HOME/config.yaml)")
	port := fs.Int("port", 0, "gateway port (overrides gateway.port)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(*cfgFlag)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.Gateway.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	setupLogging(cfg.Log)
	gin.SetMode(gin.ReleaseMode)
	slog.Info("convsync starting", "version", version, "config", cfgPath)

	m := metrics.New()
	agent := remote.NewAgentClient(cfg.Agent.BaseURL, cfg.Agent.Token, cfg.HTTP.Timeout)
	store := remote.NewStoreClient(cfg.Store.BaseURL, cfg.Store.Token, cfg.HTTP.Timeout)

	neg := session.NewNegotiator(agent, store, session.WithMetrics(m))
	pc := persist.New(store,
		persist.WithRetry(cfg.Persist.Attempts, cfg.Persist.BaseDelay),
		persist.WithMetrics(m))
	ctl := engine.New(neg, agent, store, pc, engine.Options{
		AgentRef: cfg.Agent.Ref,
		AITitles: cfg.Agent.AITitles,
		Metrics:  m,
	})
	defer ctl.Close()

	ctx, cancel := signalContext()
	defer cancel()

	// Startup continues without a session; clients see the Uninitialized
	// state and can retry with conversation.new.
	if err := ctl.Initialize(ctx); err != nil {
		slog.Warn("session initialization failed", "error", err)
	}

	rec := reconcile.New(ctl, store, cfg.Sync.Interval, reconcile.WithMetrics(m), reconcile.WithTimeout(cfg.HTTP.Timeout))
	if err := rec.Start(); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	defer rec.Stop()
	ctl.OnSwitch(func() {
		if err := rec.Restart(); err != nil {
			slog.Warn("sync timer not restarted", "error", err)
		}
	})

	config.RegisterOnReload(func(c *config.Config) {
		if err := rec.SetInterval(c.Sync.Interval); err != nil {
			slog.Warn("sync interval not applied", "error", err)
		}
	})
	go config.Watch(ctx, cfgPath)

	srv := gateway.NewServer(gateway.Options{
		Port:    cfg.Gateway.Port,
		Token:   cfg.Gateway.Auth.Token,
		Metrics: m,
	}, ctl, engine.NewDispatcher(ctl))
	return srv.Start(ctx)
}

func runDevServer(args []string) error {
	fs := pflag.NewFlagSet("devserver", pflag.ContinueOnError)
	cfgFlag := fs.String("config", "", "config file (default $CONVSYNC_HOME/config.yaml)")
	port := fs.Int("port", 0, "listen port (overrides devserver.port)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(*cfgFlag)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.DevServer.Port = *port
	}
	setupLogging(cfg.Log)
	gin.SetMode(gin.ReleaseMode)

	dev := devserver.New(devserver.Options{
		Token:   cfg.DevServer.Token,
		Welcome: cfg.DevServer.Welcome,
	})
	defer dev.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return dev.Run(ctx, fmt.Sprintf(":%d", cfg.DevServer.Port))
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/lifecycle-bridge/internal/bridge"
	"github.com/gaspardpetit/lifecycle-bridge/internal/config"
	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
	"github.com/gaspardpetit/lifecycle-bridge/internal/metrics"
	"github.com/gaspardpetit/lifecycle-bridge/internal/serverstate"
	"github.com/gaspardpetit/lifecycle-bridge/internal/tools"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "lifecycle-bridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Exposes a stdio MCP server over WebSocket at ws://localhost:<port>/mcp.\n\n")
		flag.PrintDefaults()
	}
	cfg, err := config.LoadBridge(flag.CommandLine, os.Args[1:])
	if *showVersion {
		fmt.Printf("lifecycle-bridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	command, args, _ := cfg.Command()
	picker, err := cfg.Picker()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	var store serverstate.Store = serverstate.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		store = rs
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}

	b := bridge.New(bridge.Options{
		Command:          command,
		Args:             args,
		Database:         cfg.Database,
		Store:            store,
		Tools:            tools.NewTable(picker),
		SettleDelay:      cfg.SettleDelay,
		TerminateGrace:   cfg.TerminateGrace,
		SwitchExitWait:   cfg.SwitchExitWait,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReplaySize:       cfg.ReplaySize,
		AllowedOrigins:   cfg.AllowedOrigins,
		Version:          version,
	})
	if err := b.Start(); err != nil {
		logx.Log.Error().Err(err).Str("command", command).Msg("failed to start MCP server")
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           bridge.NewRouter(b, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Log.Info().Int("port", cfg.Port).Str("endpoint", fmt.Sprintf("ws://localhost:%d/mcp", cfg.Port)).Msg("bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logx.Log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("bridge shutdown")
		}
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logx.Log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
}

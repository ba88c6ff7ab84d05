package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/syncbridge/internal/bridge"
	"github.com/gaspardpetit/syncbridge/internal/config"
	"github.com/gaspardpetit/syncbridge/internal/inflight"
	"github.com/gaspardpetit/syncbridge/internal/logx"
	"github.com/gaspardpetit/syncbridge/internal/metrics"
	"github.com/gaspardpetit/syncbridge/internal/secret"
	"github.com/gaspardpetit/syncbridge/internal/server"
	"github.com/gaspardpetit/syncbridge/internal/status"
	"github.com/gaspardpetit/syncbridge/internal/tools"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "syncbridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("syncbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		rs, err := status.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		status.UseStore(rs)
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store")
	}

	var counter inflight.Counter
	bopts := bridge.OptionsFromConfig(&cfg)
	bopts.Inflight = &counter
	b := bridge.New(bopts)
	addr, err := b.Start(cfg.BridgeAddr())
	if err != nil {
		var be *bridge.BindError
		if errors.As(err, &be) {
			logx.Log.Fatal().Err(err).Str("addr", be.Addr).Msg("bridge port unavailable; is another instance running?")
		}
		logx.Log.Fatal().Err(err).Msg("start bridge")
	}
	logx.Log.Info().Str("addr", addr).Str("token", secret.Mask(cfg.Token)).Msg("bridge listening for extension")

	mcpSrv := tools.NewMCPServer(tools.NewClient(b), version)
	opts := server.Options{
		APIKey:         cfg.APIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		Inflight:       &counter,
	}
	if cfg.MCPTransport == config.MCPHTTP {
		opts.MCP = tools.NewMCPHandler(mcpSrv)
	}
	var metricsSrv *http.Server
	if cfg.MetricsOnAPI() {
		opts.Gatherer = reg
	} else {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}
	srv := &http.Server{Addr: cfg.HTTPAddr(), Handler: server.New(b, opts), ReadHeaderTimeout: 10 * time.Second}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if status.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			status.StartDrain()
			logx.Log.Info().Int64("inflight", counter.Load()).Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				waitCtx, stop := context.WithTimeout(ctx, cfg.DrainTimeout)
				defer stop()
				if counter.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
				} else if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("inflight", counter.Load()).Msg("drain timeout exceeded; terminating")
				}
				cancel()
			}()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Log.Info().Str("addr", srv.Addr).Msg("api server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Str("addr", metricsSrv.Addr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if cfg.MCPTransport == config.MCPStdio {
		g.Go(func() error {
			// The agent owns our stdin; when it goes away so do we.
			defer cancel()
			logx.Log.Info().Msg("mcp serving on stdio")
			if err := tools.ServeStdio(gctx, mcpSrv, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("api server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
		return b.Close()
	})

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	status.SetState("ready")
	if err := g.Wait(); err != nil {
		logx.Log.Fatal().Err(err).Msg("syncbridge stopped")
	}
	logx.Log.Info().Msg("syncbridge stopped")
}

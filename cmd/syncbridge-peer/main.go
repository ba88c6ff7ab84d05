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

	"github.com/gaspardpetit/syncbridge/internal/config"
	"github.com/gaspardpetit/syncbridge/internal/logx"
	"github.com/gaspardpetit/syncbridge/internal/peer"
	"github.com/gaspardpetit/syncbridge/internal/secret"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.PeerConfig
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
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "syncbridge-peer version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("syncbridge-peer version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	c := peer.New(peer.Options{
		URL:           cfg.BridgeURL,
		Token:         cfg.Token,
		Name:          cfg.Name,
		MaxFrameBytes: cfg.MaxFrameSize,
	})
	if cfg.FixtureFile != "" {
		fx, err := peer.LoadFixtures(cfg.FixtureFile)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("path", cfg.FixtureFile).Msg("load fixtures")
		}
		fx.Register(c)
		logx.Log.Info().Int("methods", len(fx.Methods)).Msg("fixtures loaded")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logx.Log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("create upload dir")
	}
	c.OnUpload(peer.DirStore(cfg.UploadDir))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logx.Log.Info().Str("url", cfg.BridgeURL).Str("name", cfg.Name).Str("token", secret.Mask(cfg.Token)).Msg("peer starting")
	var err error
	if cfg.Reconnect {
		err = c.RunWithReconnect(ctx)
	} else {
		err = c.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("peer stopped")
	}
	logx.Log.Info().Msg("peer stopped")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allssai/voxcpm-kazakh-tts/internal/config"
	"github.com/allssai/voxcpm-kazakh-tts/internal/logging"
	"github.com/allssai/voxcpm-kazakh-tts/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voxd.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrap.Error("failed to load config", logging.Error(err))
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Telemetry, os.Stdout)
	if err != nil {
		bootstrap.Error("failed to configure logging", logging.Error(err))
		os.Exit(1)
	}
	defer closer.Close()

	logger.Info("starting voxd", slog.String("version", version), slog.String("node", cfg.Node.ID))
	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", logging.Error(err))
		time.Sleep(1 * time.Second)
		closer.Close()
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

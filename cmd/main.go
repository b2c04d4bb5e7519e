package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ftlbridge/internal/bridge"
)

func main() {
	configPath := flag.String("config", bridge.DefaultConfigPath, "path to the yaml config file")
	flag.Parse()

	config, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := bridge.InitLogger(config)

	// SIGINT, SIGTERM 수신 시 종료
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.New(ctx, config, logger)
	if err != nil {
		slog.Error("Failed to create bridge", "err", err)
		os.Exit(1)
	}

	if err := b.Listen(); err != nil {
		slog.Error("Failed to start bridge", "err", err)
		os.Exit(1)
	}
	slog.Info("FTL bridge started", "ftl", b.FTLAddr().String(), "mediaPorts", fmt.Sprintf("%d-%d", config.FTL.MediaPortMin, config.FTL.MediaPortMax))

	// 종료 시그널 대기
	if err := b.Run(ctx); err != nil {
		slog.Error("Bridge exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("Server shutdown complete")
}

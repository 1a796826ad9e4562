package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/myquant/tui/internal/config"
	"github.com/myquant/tui/internal/devserver"
	"github.com/myquant/tui/internal/logging"
)

func main() {
	configPath := flag.String("config", "myquant_config.json", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	seed := flag.Bool("seed", true, "Add demo strategies")
	interval := flag.Duration("interval", time.Second, "Time between monitoring updates")
	steps := flag.Int("steps", 120, "Updates until a simulated run finishes")
	logFormat := flag.String("log-format", "color", "Log format: color, text or json")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	logger := logging.New(os.Stderr, cfg.Client.LogLevel, *logFormat)
	srv := devserver.New(cfg, devserver.Options{
		Host:           cfg.Server.Host,
		UpdateInterval: *interval,
		RunSteps:       *steps,
	}, logger)
	if *seed {
		srv.Seed()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		srv.Close()
	}()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if err := srv.ListenAndServe(addr); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

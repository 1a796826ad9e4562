package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/myquant/tui/internal/app"
	"github.com/myquant/tui/internal/client"
	"github.com/myquant/tui/internal/config"
	"github.com/myquant/tui/internal/live"
	"github.com/myquant/tui/internal/logging"
	"github.com/myquant/tui/internal/router"
)

func main() {
	configPath := flag.String("config", "myquant_config.json", "Path to config file")
	baseURL := flag.String("url", "", "Backend origin, overrides the config (e.g. http://127.0.0.1:5000)")
	route := flag.String("route", "/", "Path to open first, e.g. /strategies or /runs/<id>")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *baseURL != "" {
		cfg.Client.BaseURL = *baseURL
	}
	origin := cfg.BackendURL()

	// The alternate screen owns the terminal; logs go to a file.
	logFile, err := tea.LogToFile(cfg.Client.LogFile, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := logging.New(logFile, cfg.Client.LogLevel, cfg.Client.LogFormat)

	hook, unauthorized := app.UnauthorizedNotifier()
	httpClient := client.NewHTTPClient(origin,
		client.WithUnauthorizedHook(hook),
		client.WithLogger(logger.With("component", "http")),
	)

	sharedURL, err := live.SharedURL(origin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	shared := live.NewShared(
		client.NewConn(sharedURL,
			client.WithCookieJar(httpClient.Jar()),
			client.WithConnLogger(logger.With("component", "shared")),
		),
		logger.With("component", "live"),
	)
	runs, err := live.NewRunFactory(origin, httpClient.Jar(), logger.With("component", "run"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	table := router.NewTable(router.DefaultRoutes())
	start, err := table.Match(*route)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", *route, err)
		os.Exit(1)
	}
	guard := &router.Guard{Auth: httpClient, Logger: logger.With("component", "guard")}
	nav := router.New(table, guard, logger.With("component", "router"))

	m := app.New(app.Config{
		HTTP:         httpClient,
		Shared:       shared,
		Runs:         runs,
		Router:       nav,
		Start:        start,
		Logger:       logger,
		Unauthorized: unauthorized,
	})
	logger.Info("starting", "backend", origin, "route", *route)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

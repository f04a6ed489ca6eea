package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"avachat/internal/adapter/backend"
	"avachat/internal/adapter/history"
	"avachat/internal/adapter/transport"
	"avachat/internal/adapter/tui"
	"avachat/internal/infra/config"
	"avachat/internal/infra/logger"
	"avachat/internal/infra/tracer"
	"avachat/internal/usecase"
	"avachat/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`avachat - terminal client for the Ava chat backend

USAGE:
    avachat [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)
    --conversation ID  Attach to a specific conversation

CONFIGURATION:
    Config file: ./config.yaml
    Environment: AVACHAT_* variables override config
                 (AVACHAT_WS_URL, AVACHAT_AUTH_TOKEN, AVACHAT_LOG_LEVEL, ...)

KEYS:
    enter    send message
    esc      cancel the in-flight turn
    ctrl+c   quit

COMMANDS:
    /import <url>            queue a profile import from a URL
    /task <id>               check an import task's status
    /connections <provider>  show a provider connection's status`)
}

func configPath() string {
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(os.Args[i], "--config=") {
			return strings.TrimPrefix(os.Args[i], "--config=")
		}
	}
	return "config.yaml"
}

func conversationFlag() string {
	for i := 1; i < len(os.Args); i++ {
		if os.Args[i] == "--conversation" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(os.Args[i], "--conversation=") {
			return strings.TrimPrefix(os.Args[i], "--conversation=")
		}
	}
	return ""
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if id := conversationFlag(); id != "" {
		cfg.Chat.ConversationID = id
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	// Local history: readable even when the transport is unavailable.
	if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o700); err != nil {
		return fmt.Errorf("history dir: %w", err)
	}
	store, err := history.New(cfg.History.Path, log)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer store.Close()

	sweeper, err := history.NewSweeper(store, cfg.History.SweepSchedule, cfg.History.Retention, log)
	if err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	channel := transport.New(transport.Options{
		URL:              cfg.Server.WSURL,
		AuthToken:        cfg.Server.AuthToken,
		ConversationID:   cfg.Chat.ConversationID,
		MaxReconnects:    cfg.Transport.MaxReconnects,
		HandshakeTimeout: cfg.Transport.HandshakeTimeout,
		SendRate:         cfg.Transport.SendRate,
		SendBurst:        cfg.Transport.SendBurst,
	}, log)
	defer channel.Close(context.Background())

	// The REST client rides along for provider status and URL imports;
	// the event stream itself runs over the channel.
	api := backend.NewClient(cfg.Server.APIBaseURL, cfg.Server.AuthToken, log)
	if prefs, err := api.Preferences(ctx); err != nil {
		log.Debug("preferences unavailable", "error", err)
	} else {
		log.Debug("preferences loaded", "onboarding_dismissed", prefs.OnboardingDismissed)
	}

	svc := usecase.NewService(usecase.ServiceConfig{
		ConversationID: cfg.Chat.ConversationID,
		Tracker: usecase.TrackerConfig{
			Ceiling: cfg.Chat.InvocationCeiling,
			Grace:   cfg.Chat.SequenceGrace,
		},
		MaxHistory: cfg.Chat.MaxHistory,
	}, channel, bus, store, log)
	defer svc.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- svc.Run(ctx)
	}()

	if err := tui.Run(ctx, svc, api, bus, log); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	stop()

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session: %w", err)
	}
	return nil
}

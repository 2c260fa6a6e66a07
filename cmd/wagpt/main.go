package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"wagpt/internal/bus"
	"wagpt/internal/config"
	"wagpt/internal/dedup"
	"wagpt/internal/domain"
	"wagpt/internal/metrics"
	"wagpt/internal/pairing"
	"wagpt/internal/provider"
	"wagpt/internal/relay"
	"wagpt/internal/transport/telegram"
	"wagpt/internal/transport/whatsapp"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wagpt",
		Short: "wagpt: answer chat messages with an OpenAI model",
		Long: `wagpt links to a WhatsApp account (or a Telegram bot) and replies to every
incoming text message with a single-turn chat completion.

Running without a subcommand starts the relay.`,
		SilenceUsage: true,
		RunE:         runRelay,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.wagpt/config.json)")

	root.AddCommand(runCmd())
	root.AddCommand(initCmd())
	root.AddCommand(setupCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("wagpt", version)
		},
	})
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (default command)",
		Long:  "Connects the configured transport and replies to incoming messages. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads .env files and the config file. A missing config file
// falls back to defaults so a bare OPENAI_API_KEY is enough to start.
func loadConfig() (*config.Config, string, error) {
	if loaded, err := config.LoadDotEnv(); err != nil {
		return nil, "", fmt.Errorf("load .env: %w", err)
	} else if len(loaded) > 0 {
		logger.Debug("environment loaded", "files", loaded)
	}
	cfgPath := resolveConfigPath()
	cfg, err := config.LoadOrDefaults(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}
	return cfg, cfgPath, nil
}

// setupLogger rebuilds the package logger from config. The returned func
// releases the log file, if any.
func setupLogger(general config.GeneralConfig) (func(), error) {
	var level slog.Level
	switch strings.ToLower(general.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closer := func() {}
	if general.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(general.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(general.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	logger = slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	return closer, nil
}

// openTransport builds the configured transport and its credential store.
// Tests replace it to observe connection attempts.
var openTransport = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Transport, domain.CredentialStore, error) {
	switch cfg.Transport.Kind {
	case "telegram":
		store := telegram.TokenStore{Token: cfg.Transport.Telegram.Token}
		if _, err := store.Load(ctx); err != nil {
			return nil, nil, fmt.Errorf("%w (set TELEGRAM_BOT_TOKEN or transport.telegram.token)", err)
		}
		return telegram.New(telegram.TransportConfig{Logger: logger}), store, nil
	default:
		store, err := whatsapp.OpenStore(ctx, cfg.Transport.WhatsApp.StorePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return whatsapp.New(whatsapp.TransportConfig{Logger: logger}), store, nil
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "path", cfgPath, "err", err)
		return err
	}

	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := config.RequireAPIKey(cfg); err != nil {
		logger.Error("missing API key, set " + config.APIKeyEnv + " in the environment or .env file")
		return err
	}

	// Graceful shutdown on signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, creds, err := openTransport(ctx, cfg, logger)
	if err != nil {
		logger.Error("transport setup failed", "kind", cfg.Transport.Kind, "err", err)
		return err
	}
	defer creds.Close()

	deduper, closeDedup, err := newDeduper(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDedup()

	client := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:       cfg.Completion.APIKey,
		APIBase:      cfg.Completion.APIBase,
		Model:        cfg.Completion.Model,
		SystemPrompt: cfg.Completion.SystemPrompt,
		MaxTokens:    cfg.Completion.MaxTokens,
		Temperature:  cfg.Completion.Temperature,
		MaxRetries:   cfg.Completion.MaxRetries,
		Timeout:      time.Duration(cfg.Completion.TimeoutSeconds) * time.Second,
		MaxConns:     cfg.Relay.MaxConcurrentMessages,
		Logger:       logger,
	})

	batch, err := relay.ParseBatchPolicy(cfg.Relay.BatchPolicy)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	eventBus := bus.New(100, logger)
	defer eventBus.Close()

	ctrl := relay.New(relay.Config{
		Transport:   transport,
		Credentials: creds,
		Completer:   provider.NewCompleter(client, logger),
		Deduper:     deduper,
		Pairing: pairing.NewTerminal(pairing.TerminalConfig{
			ImagePath: cfg.Transport.WhatsApp.QRImagePath,
			Logger:    logger,
		}),
		Bus:                   eventBus,
		Reconnect:             reconnectPolicy(cfg.Relay),
		Batch:                 batch,
		MaxConcurrentMessages: cfg.Relay.MaxConcurrentMessages,
		ExitOnLogout:          cfg.Relay.ExitOnLogout,
		Logger:                logger,
	})

	logger.Info("wagpt started. Press Ctrl+C to stop.",
		"version", version,
		"transport", transport.Name(),
		"model", client.Model(),
	)

	err = ctrl.Run(ctx)
	logger.Info("relay stopped", "stats", metrics.Snapshot())
	if errors.Is(err, relay.ErrLoggedOut) {
		logger.Error("session was logged out; run 'wagpt reset' and start again to pair")
	}
	return err
}

func reconnectPolicy(rc config.RelayConfig) relay.ReconnectPolicy {
	return relay.ReconnectPolicy{
		Delay:       time.Duration(rc.ReconnectDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(rc.ReconnectMaxDelayMs) * time.Millisecond,
		Multiplier:  rc.ReconnectMultiplier,
		MaxAttempts: rc.ReconnectMaxAttempts,
	}
}

// newDeduper returns the persistent seen-message log, or an in-memory one
// when persistence is off.
func newDeduper(ctx context.Context, cfg *config.Config) (domain.Deduper, func(), error) {
	ttl := time.Duration(cfg.Relay.DedupTTLMinutes) * time.Minute
	if !cfg.Relay.PersistDedup {
		d := dedup.NewMemory(ttl)
		return d, func() { d.Close() }, nil
	}
	d, err := dedup.NewSQLite(cfg.General.DBPath, ttl, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("dedup store: %w", err)
	}
	go d.RunPruner(ctx, ttl)
	return d, func() { d.Close() }, nil
}

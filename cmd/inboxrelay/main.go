package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inboxrelay/internal/config"
	"inboxrelay/internal/entity"
	"inboxrelay/internal/ingest"
	"inboxrelay/internal/logging"
	"inboxrelay/internal/metrics"
	"inboxrelay/internal/notify"
	"inboxrelay/internal/relay"
	"inboxrelay/internal/server"
	"inboxrelay/internal/store"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	version    = "0.1.0"
	logger     *slog.Logger
	logCloser  io.Closer
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("cannot load .env", "err", err)
	}

	root := &cobra.Command{
		Use:     "inboxrelay",
		Short:   "inboxrelay: webhook ingestion and live message relay",
		Long:    "inboxrelay stores provider webhook messages idempotently and fans them out to live viewers over websockets.",
		Version: version,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.inboxrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config, $INBOXRELAY_CONFIG
// or the default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("INBOXRELAY_CONFIG"); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it does not
// exist, and switches the process logger to the configured level and file.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); statErr == nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		cfg.Store.DSN = config.ExpandPath(cfg.Store.DSN)
	}

	l, closer, err := logging.New(cfg.General.LogLevel, cfg.General.LogFile)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logger, logCloser = l, closer
	slog.SetDefault(logger)
	return cfg, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	var withRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion server (webhook + history API)",
		Long:  "Starts the webhook receiver and history API. With --with-relay the relay runs in the same process. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(withRelay)
		},
	}
	cmd.Flags().BoolVar(&withRelay, "with-relay", false, "also run the relay server in this process")
	return cmd
}

func runServe(withRelay bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	syncer, err := entity.New(entity.Config{
		Store:         st,
		DefaultStatus: cfg.Ingest.DefaultStatus,
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	ingestCfg := ingest.Config{
		Synchronizer:   syncer,
		AllowedInboxes: cfg.Ingest.AllowedInboxes,
		EventType:      cfg.Ingest.EventType,
		Metrics:        m,
		Logger:         logger,
	}

	var dispatcher *notify.Dispatcher
	if cfg.Notify.RelayURL != "" {
		client, err := notify.NewRelayClient(notify.ClientConfig{
			BaseURL: cfg.Notify.RelayURL,
			Timeout: cfg.Notify.Timeout.Std(),
			Retries: cfg.Notify.Retries,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("relay client: %w", err)
		}
		dispatcher, err = notify.NewDispatcher(notify.DispatcherConfig{
			Emitter:        client,
			QueueSize:      cfg.Notify.QueueSize,
			Workers:        cfg.Notify.Workers,
			EnqueueTimeout: cfg.Notify.EnqueueTimeout.Std(),
			Metrics:        m,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		ingestCfg.Notifier = dispatcher
		logger.Info("live notification enabled", "relay", client.BaseURL())
	} else {
		logger.Warn("notify.relayURL is empty, live notification disabled")
	}

	ing, err := ingest.New(ingestCfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		WebhookSecret:  cfg.Ingest.WebhookSecret,
		MetricsPath:    cfg.MetricsPath(),
		Store:          st,
		Ingestor:       ing,
		Marker:         syncer,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	running := 1
	go func() { errCh <- srv.Start(ctx) }()
	if withRelay {
		running++
		rs := newRelayServer(cfg, m)
		go func() { errCh <- rs.Start(ctx) }()
	}

	// The first server to return ends the process; the rest follow ctx.
	var runErr error
	for i := 0; i < running; i++ {
		if err := <-errCh; err != nil && runErr == nil {
			runErr = err
			stop()
		}
	}
	logger.Info("servers stopped, draining notifications")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn("notification drain incomplete", "err", err)
		}
	}
	return runErr
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Start the relay server (emit-message + websocket live stream)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return newRelayServer(cfg, metrics.New()).Start(ctx)
		},
	}
}

func newRelayServer(cfg *config.Config, m *metrics.Collector) *relay.Server {
	return relay.New(relay.Config{
		Host:           cfg.Relay.Host,
		Port:           cfg.Relay.Port,
		PublicHost:     cfg.Relay.PublicHost,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		SendBuffer:     cfg.Relay.SendBuffer,
		PingInterval:   cfg.Relay.PingInterval.Std(),
		PongWait:       cfg.Relay.PongWait.Std(),
		MetricsPath:    cfg.MetricsPath(),
		Metrics:        m,
		Logger:         logger,
	})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			// Opening a store applies pending migrations.
			st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			v, err := store.SchemaVersion(ctx, st.DB())
			if err != nil {
				return err
			}
			logger.Info("database up to date", "driver", st.Dialect(), "schema_version", v)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var serverURL, inboxID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ingestion stats and relay health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if serverURL == "" {
				serverURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client := notify.SharedHTTPClient(5 * time.Second)
			var stats struct {
				MessagesToday int `json:"messagesToday"`
				Conversations int `json:"conversations"`
			}
			statsURL := serverURL + "/api/stats"
			if inboxID != "" {
				statsURL += "?inboxId=" + inboxID
			}
			if err := getJSON(ctx, client, statsURL, &stats); err != nil {
				logger.Info("ingestion server", "url", serverURL, "reachable", false, "err", err)
			} else {
				logger.Info("ingestion server", "url", serverURL, "reachable", true,
					"messages_today", stats.MessagesToday, "conversations", stats.Conversations)
			}

			if cfg.Notify.RelayURL == "" {
				logger.Info("relay", "configured", false)
				return nil
			}
			rc, err := notify.NewRelayClient(notify.ClientConfig{BaseURL: cfg.Notify.RelayURL, Logger: logger})
			if err != nil {
				return err
			}
			h, err := rc.Health(ctx)
			if err != nil {
				logger.Info("relay", "url", rc.BaseURL(), "healthy", false, "err", err)
				return nil
			}
			logger.Info("relay", "url", rc.BaseURL(), "healthy", h.Status == "ok",
				"connections", h.Connections, "rooms", h.Rooms)
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "ingestion server base URL (default: http://localhost:<server.port>)")
	cmd.Flags().StringVar(&inboxID, "inbox", "", "restrict stats to one inbox")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. ingest.allowedInboxes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. ingest.allowedInboxes 3,2)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(config.ExpandPath(cfgPath), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

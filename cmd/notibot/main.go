package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"notibot/internal/config"
	"notibot/internal/dedup"
	"notibot/internal/deliver"
	"notibot/internal/domain"
	"notibot/internal/engine"
	"notibot/internal/enrich"
	"notibot/internal/journal"
	"notibot/internal/metrics"
	"notibot/internal/source"
	"notibot/internal/state"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// A .env in the working directory feeds the ${VAR} expansion in the
	// config file; absence is not an error.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "notibot",
		Short: "notibot: incremental inbox notification relay",
		Long:  "notibot polls a remote message inbox, deduplicates new items, and relays them to Telegram or a webhook.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.notibot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(onceCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(stateCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = newLogger(cfg)
	slog.SetDefault(logger)
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLevel(cfg.General.LogLevel)}
	out := os.Stderr
	if cfg.General.LogFile != "" {
		if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		} else {
			logger.Warn("cannot open log file, keeping stderr", "path", cfg.General.LogFile, "err", err)
		}
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(config.ExpandPath(cfg.General.DataDir), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "dataDir", cfg.General.DataDir)
			logger.Info("fill in source.baseUrl, auth credentials, and delivery.telegram before running")
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var fastForward bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the polling daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, cleanup, err := buildEngine(ctx, cfg, fastForward)
			if err != nil {
				return err
			}
			defer cleanup()

			if cfg.Metrics.Enabled {
				go func() {
					if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
						logger.Error("metrics listener failed", "addr", cfg.Metrics.Listen, "err", err)
					}
				}()
				logger.Info("metrics listener enabled", "addr", cfg.Metrics.Listen)
			}

			logger.Info("notibot starting", "version", version)
			return eng.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&fastForward, "fast-forward", false, "reset watermarks to the latest message before polling")
	return cmd
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single poll cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, cleanup, err := buildEngine(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer cleanup()
			return eng.Once(ctx)
		},
	}
}

// buildEngine wires the whole pipeline: auth provider → source client →
// sink → resolver → state/dedup → engine.
func buildEngine(ctx context.Context, cfg *config.Config, forceFastForward bool) (*engine.Engine, func(), error) {
	st, err := state.Load(cfg.General.StatePath())
	if err != nil {
		return nil, nil, err
	}
	if forceFastForward {
		st.Watermarks = map[string]state.Watermark{}
	}

	client := source.NewClient(source.ClientConfig{
		BaseURL:     cfg.Source.BaseURL,
		Provider:    buildProvider(cfg),
		SessionPath: cfg.General.SessionPath(),
		Timeout:     time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
		Limiter:     source.NewRateLimiter(cfg.Source.Burst, float64(cfg.Source.RatePerMinute)),
		Logger:      logger,
	})

	sink, err := buildSink(cfg)
	if err != nil {
		return nil, nil, err
	}

	var resolver engine.Renderer
	if cfg.Enrich.Enabled {
		resolver = enrich.NewResolver(enrich.ResolverConfig{
			Fetcher:  client,
			RulesDir: cfg.Enrich.RulesDir,
			Logger:   logger,
		})
	} else {
		resolver = plainRenderer{}
	}

	ded := dedup.NewEngine(dedup.Config{
		State:         st,
		Horizon:       time.Duration(cfg.Poll.HardCutoffMinutes) * time.Minute,
		BucketSeconds: cfg.Dedup.SoftBucketSeconds,
		SeenCap:       cfg.Dedup.SeenCap,
	})

	cleanup := func() {}
	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		jnl, err = journal.Open(cfg.Journal.DBPath, logger)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() { jnl.Close() }
	}

	eng, err := engine.New(engine.Config{
		Source:      client,
		Sink:        sink,
		Renderer:    resolver,
		State:       st,
		Dedup:       ded,
		Journal:     jnl,
		Logger:      logger,
		Channels:    enabledChannels(cfg),
		StatePath:   cfg.General.StatePath(),
		LockPath:    cfg.General.LockPath(),
		Interval:    time.Duration(cfg.Poll.IntervalSeconds) * time.Second,
		PageCap:     cfg.Poll.PageCap,
		PageSize:    cfg.Poll.PageSize,
		FastForward: cfg.Poll.FastForward || forceFastForward,
		MaxAttach:   int64(cfg.Delivery.MaxAttachmentMB) << 20,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

// plainRenderer is the no-enrichment fallback: title header plus the
// normalized body, nothing domain-specific.
type plainRenderer struct{}

func (plainRenderer) Resolve(_ context.Context, m *domain.Message) domain.Rendered {
	return enrich.RenderPlain(m)
}

func buildProvider(cfg *config.Config) source.Provider {
	auth := cfg.Source.Auth
	if auth.Mode == "browser" {
		return &source.BrowserProvider{
			LoginURL:   auth.LoginURL,
			ProfileDir: auth.ProfileDir,
			TokenKey:   auth.TokenKey,
			Logger:     logger,
		}
	}
	return &source.PasswordProvider{
		LoginURL: auth.LoginURL,
		TokenURL: auth.TokenURL,
		Username: auth.Username,
		Password: auth.Password,
		Logger:   logger,
	}
}

func buildSink(cfg *config.Config) (deliver.Sink, error) {
	minInterval := time.Duration(cfg.Delivery.MinIntervalMs) * time.Millisecond
	switch cfg.Delivery.Sink {
	case "webhook":
		return deliver.NewWebhook(deliver.WebhookConfig{
			URL:         cfg.Delivery.Webhook.URL,
			Secret:      cfg.Delivery.Webhook.Secret,
			MaxLen:      cfg.Delivery.Webhook.MaxLen,
			MinInterval: minInterval,
			Logger:      logger,
		})
	default:
		chatID, err := strconv.ParseInt(cfg.Delivery.Telegram.ChatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("delivery.telegram.chatId must be numeric: %w", err)
		}
		return deliver.NewTelegram(deliver.TelegramConfig{
			Token:       cfg.Delivery.Telegram.Token,
			ChatID:      chatID,
			ParseMode:   cfg.Delivery.Telegram.ParseMode,
			MinInterval: minInterval,
			Logger:      logger,
		})
	}
}

func enabledChannels(cfg *config.Config) []engine.Channel {
	var out []engine.Channel
	add := func(name string, cc config.ChannelConfig) {
		if !cc.Enabled {
			return
		}
		out = append(out, engine.Channel{
			Name: name,
			Filters: source.Filters{
				Readness:  cc.Readness,
				ExcludeCC: cc.ExcludeCC,
				Kind:      cc.Kind,
			},
		})
	}
	add(domain.ChannelSystem, cfg.Channels.System)
	add(domain.ChannelNotice, cfg.Channels.Notice)
	return out
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to the source API and cache the session",
		Long:  "With auth.mode \"browser\" this opens a visible Chrome window; with \"password\" it runs the HTTP login flow.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			creds, err := buildProvider(cfg).Login(ctx)
			if err != nil {
				return err
			}
			if err := source.SaveSession(cfg.General.SessionPath(), creds); err != nil {
				return err
			}
			logger.Info("session cached", "path", cfg.General.SessionPath(), "actor", creds.ActorID)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show watermarks, seen-set size, and recent deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := state.Load(cfg.General.StatePath())
			if err != nil {
				return err
			}
			fmt.Printf("notibot v%s\n\n", version)
			fmt.Printf("State: %s\n", cfg.General.StatePath())
			for _, ch := range domain.Channels() {
				wm := st.Watermark(ch)
				if wm.Ts == 0 && wm.ID == 0 {
					fmt.Printf("  %-8s watermark: (none)\n", ch)
					continue
				}
				fmt.Printf("  %-8s watermark: ts=%s id=%d\n", ch, time.Unix(wm.Ts, 0).Format(time.RFC3339), wm.ID)
			}
			fmt.Printf("  seen keys: %d\n", len(st.Seen))

			if !cfg.Journal.Enabled {
				return nil
			}
			jnl, err := journal.Open(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer jnl.Close()

			ctx := context.Background()
			count, err := jnl.CountSince(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				return err
			}
			fmt.Printf("\nDeliveries in the last 24h: %d\n", count)

			recent, err := jnl.Recent(ctx, 10)
			if err != nil {
				return err
			}
			for _, e := range recent {
				fmt.Printf("  %s  %-8s #%-8d %s\n",
					e.DeliveredAt.Format("2006-01-02 15:04"), e.Channel, e.MessageID, e.Title)
			}
			return nil
		},
	}
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect or reset the sync state",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the raw state file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(cfg.General.StatePath())
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("(no state yet)")
					return nil
				}
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the state file (next run fast-forwards from scratch)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.General.StatePath()
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			logger.Info("state cleared", "path", path)
			return nil
		},
	})

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
		Short: "Get a config value (e.g. poll.intervalSeconds)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
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
		Short: "Set a config value (e.g. poll.intervalSeconds 120)",
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
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
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

// Package cmd wires configuration, logging, and tracing together and runs
// the bridge until interrupted.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetherbot/tether/internal/agent"
	"github.com/tetherbot/tether/internal/bridge"
	"github.com/tetherbot/tether/internal/chat"
	"github.com/tetherbot/tether/internal/config"
	"github.com/tetherbot/tether/internal/log"
	"github.com/tetherbot/tether/internal/project"
	"github.com/tetherbot/tether/internal/tracing"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "tether",
	Short:   "Drive a coding-agent CLI from your chat client",
	Long:    `Tether bridges a chat client to a coding-agent CLI: prompts stream back as they are produced, project files are watched for changes, and the per-project requirements document is kept current.`,
	Version: version,
	RunE:    runBridge,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/tether/config.yaml)")
	rootCmd.Flags().BoolVar(&debug, "debug", false,
		"mirror the structured log to stderr")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("projects_dir", defaults.ProjectsDir)
	viper.SetDefault("pointer_file", defaults.PointerFile)
	viper.SetDefault("log_file", defaults.LogFile)
	viper.SetDefault("chat.bot_token", defaults.Chat.BotToken)
	viper.SetDefault("chat.authorized_user", defaults.Chat.AuthorizedUser)
	viper.SetDefault("chat.poll_timeout_seconds", defaults.Chat.PollTimeoutSeconds)
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("agent.args", defaults.Agent.Args)
	viper.SetDefault("agent.prompt_flag", defaults.Agent.PromptFlag)
	viper.SetDefault("agent.timeout_seconds", defaults.Agent.TimeoutSeconds)
	viper.SetDefault("agent.grace_seconds", defaults.Agent.GraceSeconds)
	viper.SetDefault("stream.mode", defaults.Stream.Mode)
	viper.SetDefault("stream.update_interval", defaults.Stream.UpdateIntervalSeconds)
	viper.SetDefault("stream.min_chars", defaults.Stream.MinChars)
	viper.SetDefault("stream.max_chars", defaults.Stream.MaxChars)
	viper.SetDefault("stream.tail_limit", defaults.Stream.TailLimit)
	viper.SetDefault("stream.cursor", defaults.Stream.Cursor)
	viper.SetDefault("watcher.debounce_ms", defaults.Watcher.DebounceMillis)
	viper.SetDefault("watcher.ignore", defaults.Watcher.Ignore)
	viper.SetDefault("voice.command", defaults.Voice.Command)
	viper.SetDefault("voice.args", defaults.Voice.Args)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// The streaming surface and credentials are environment-tunable without
	// touching the config file.
	_ = viper.BindEnv("stream.mode", "STREAM_MODE")
	_ = viper.BindEnv("stream.update_interval", "STREAM_UPDATE_INTERVAL")
	_ = viper.BindEnv("stream.min_chars", "STREAM_MIN_CHARS")
	_ = viper.BindEnv("stream.max_chars", "STREAM_MAX_CHARS")
	_ = viper.BindEnv("stream.tail_limit", "STREAM_TAIL_LIMIT")
	_ = viper.BindEnv("stream.cursor", "STREAM_CURSOR")
	_ = viper.BindEnv("chat.bot_token", "TETHER_BOT_TOKEN")
	_ = viper.BindEnv("chat.authorized_user", "TETHER_AUTHORIZED_USER")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .tether/config.yaml (current directory)
		// 2. ~/.config/tether/config.yaml (user config)
		if _, err := os.Stat(".tether/config.yaml"); err == nil {
			viper.SetConfigFile(".tether/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "tether"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .tether/config.yaml
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			defaultPath := ".tether/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func runBridge(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Chat.BotToken == "" {
		return fmt.Errorf("chat.bot_token is required (or set TETHER_BOT_TOKEN)")
	}

	logCleanup, err := log.Init(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if debug {
		go mirrorLog(ctx)
	}

	tracerCfg := cfg.Tracing
	if tracerCfg.Enabled && tracerCfg.Exporter == "file" && tracerCfg.FilePath == "" {
		tracerCfg.FilePath = config.DefaultTracesFilePath()
	}
	tracer, err := tracing.Setup(tracerCfg)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.Warn(log.CatBridge, "Trace flush failed", "error", err)
		}
	}()

	store, err := project.NewStore(cfg.ProjectsDir, cfg.PointerFile)
	if err != nil {
		return fmt.Errorf("opening project store: %w", err)
	}

	sup := agent.NewSupervisor(agent.Config{
		Command:    cfg.Agent.Command,
		Args:       cfg.Agent.Args,
		PromptFlag: cfg.Agent.PromptFlag,
		Timeout:    cfg.Agent.Timeout(),
		Grace:      cfg.Agent.Grace(),
	})

	transport := chat.NewTelegram(
		cfg.Chat.BotToken,
		mustParseUser(cfg.Chat.AuthorizedUser),
		time.Duration(cfg.Chat.PollTimeoutSeconds)*time.Second,
	)

	b, err := bridge.New(cfg, transport, store, sup)
	if err != nil {
		return err
	}

	log.Info(log.CatBridge, "Starting", "version", version, "projectsDir", cfg.ProjectsDir)
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// mirrorLog copies structured log lines to stderr while --debug is set.
func mirrorLog(ctx context.Context) {
	// Payload lines already carry a trailing newline.
	for entry := range log.Listen(ctx) {
		fmt.Fprint(os.Stderr, entry.Payload)
	}
}

func mustParseUser(s string) int64 {
	// Validate() has already required the field; bridge.New re-checks the
	// numeric form and reports a proper error.
	var id int64
	_, _ = fmt.Sscanf(s, "%d", &id)
	return id
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

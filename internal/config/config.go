// Package config provides configuration types and defaults for tether.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tetherbot/tether/internal/log"
)

// StreamMode selects how agent output is relayed to chat while a run is in
// flight.
type StreamMode string

const (
	// StreamPartial maintains one chat message and edits it in place with the
	// tail of the accumulated output.
	StreamPartial StreamMode = "partial"
	// StreamBlock sends a fresh chat message per accumulated block of output.
	StreamBlock StreamMode = "block"
	// StreamOff suppresses intermediate traffic; only the final message is sent.
	StreamOff StreamMode = "off"
)

// Config holds all configuration options for tether.
type Config struct {
	// ProjectsDir is the directory that holds all project working directories.
	ProjectsDir string `mapstructure:"projects_dir"`

	// PointerFile stores the active-project pointer across restarts.
	// Default: <ProjectsDir>/.active
	PointerFile string `mapstructure:"pointer_file"`

	// LogFile is the structured log destination.
	LogFile string `mapstructure:"log_file"`

	Chat    ChatConfig    `mapstructure:"chat"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Watcher WatcherConfig `mapstructure:"watcher"`
	Voice   VoiceConfig   `mapstructure:"voice"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ChatConfig holds chat transport settings.
type ChatConfig struct {
	// BotToken authenticates the bridge against the chat API.
	BotToken string `mapstructure:"bot_token"`

	// AuthorizedUser is the single identity allowed to drive the bridge.
	// Events from any other sender are ignored.
	AuthorizedUser string `mapstructure:"authorized_user"`

	// PollTimeoutSeconds is the long-poll window for fetching inbound events.
	PollTimeoutSeconds int `mapstructure:"poll_timeout_seconds"`
}

// AgentConfig holds the agent CLI invocation settings.
type AgentConfig struct {
	// Command is the agent CLI binary, resolved via PATH.
	Command string `mapstructure:"command"`

	// Args are passed on every invocation before the prompt flag.
	Args []string `mapstructure:"args"`

	// PromptFlag carries the prompt text (e.g. "--prompt").
	PromptFlag string `mapstructure:"prompt_flag"`

	// TimeoutSeconds bounds a single agent run. 0 disables the timeout.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// GraceSeconds is how long a cancelled process gets to exit before it is
	// forcibly killed.
	GraceSeconds int `mapstructure:"grace_seconds"`
}

// Timeout returns the run timeout as a duration.
func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Grace returns the cancellation grace window as a duration.
func (a AgentConfig) Grace() time.Duration {
	return time.Duration(a.GraceSeconds) * time.Second
}

// StreamConfig holds output-coalescing settings. The STREAM_* environment
// variables override these fields (bound in cmd).
type StreamConfig struct {
	// Mode is "partial", "block", or "off".
	Mode string `mapstructure:"mode"`

	// UpdateIntervalSeconds throttles edit-in-place flushes.
	UpdateIntervalSeconds float64 `mapstructure:"update_interval"`

	// MinChars is the buffer floor before a block-mode message is sent.
	MinChars int `mapstructure:"min_chars"`

	// MaxChars caps the size of a single outbound message.
	MaxChars int `mapstructure:"max_chars"`

	// TailLimit caps the rendered tail in partial mode.
	TailLimit int `mapstructure:"tail_limit"`

	// Cursor is appended to partial renders while the run is live.
	Cursor string `mapstructure:"cursor"`
}

// UpdateInterval returns the flush throttle as a duration.
func (s StreamConfig) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateIntervalSeconds * float64(time.Second))
}

// WatcherConfig holds file watcher settings.
type WatcherConfig struct {
	// DebounceMillis is the window in which rapid events on the same path
	// collapse into one notification.
	DebounceMillis int `mapstructure:"debounce_ms"`

	// Ignore lists path components that never produce notifications.
	Ignore []string `mapstructure:"ignore"`
}

// Debounce returns the debounce window as a duration.
func (w WatcherConfig) Debounce() time.Duration {
	return time.Duration(w.DebounceMillis) * time.Millisecond
}

// VoiceConfig holds speech transcription settings. An empty command leaves
// voice input disabled; voice notes then get an explicit failure reply
// instead of being dropped.
type VoiceConfig struct {
	// Command is a speech-to-text CLI that prints the transcript to stdout.
	// It receives the audio file path as its last argument.
	Command string `mapstructure:"command"`

	// Args precede the audio file path.
	Args []string `mapstructure:"args"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		ProjectsDir: defaultProjectsDir(),
		LogFile:     "tether.log",
		Chat: ChatConfig{
			PollTimeoutSeconds: 25,
		},
		Agent: AgentConfig{
			Command:        "gemini",
			Args:           []string{"--yolo", "--resume", "latest"},
			PromptFlag:     "--prompt",
			TimeoutSeconds: 300,
			GraceSeconds:   10,
		},
		Stream: StreamConfig{
			Mode:                  string(StreamPartial),
			UpdateIntervalSeconds: 2.0,
			MinChars:              200,
			MaxChars:              4000,
			TailLimit:             3500,
			Cursor:                " ▌",
		},
		Watcher: WatcherConfig{
			DebounceMillis: 750,
			Ignore:         []string{".git", "venv", "__pycache__", "node_modules"},
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

func defaultProjectsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "projects"
	}
	return filepath.Join(home, "tether", "projects")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tether", "traces", "traces.jsonl")
}

// Validate checks the configuration for errors. Empty values that have
// defaults are valid.
func (c Config) Validate() error {
	if c.Chat.AuthorizedUser == "" {
		return fmt.Errorf("chat.authorized_user is required")
	}
	if err := ValidateStream(c.Stream); err != nil {
		return err
	}
	if err := ValidateAgent(c.Agent); err != nil {
		return err
	}
	if err := ValidateTracing(c.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateStream checks stream configuration for errors.
func ValidateStream(s StreamConfig) error {
	switch StreamMode(s.Mode) {
	case StreamPartial, StreamBlock, StreamOff:
	default:
		return fmt.Errorf("stream.mode must be \"partial\", \"block\", or \"off\", got %q", s.Mode)
	}
	if s.UpdateIntervalSeconds < 0 {
		return fmt.Errorf("stream.update_interval must be >= 0, got %v", s.UpdateIntervalSeconds)
	}
	if s.MinChars < 0 {
		return fmt.Errorf("stream.min_chars must be >= 0, got %d", s.MinChars)
	}
	if s.MaxChars <= 0 {
		return fmt.Errorf("stream.max_chars must be > 0, got %d", s.MaxChars)
	}
	if s.TailLimit <= 0 {
		return fmt.Errorf("stream.tail_limit must be > 0, got %d", s.TailLimit)
	}
	return nil
}

// ValidateAgent checks agent configuration for errors.
func ValidateAgent(a AgentConfig) error {
	if a.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if a.TimeoutSeconds < 0 {
		return fmt.Errorf("agent.timeout_seconds must be >= 0, got %d", a.TimeoutSeconds)
	}
	if a.GraceSeconds < 0 {
		return fmt.Errorf("agent.grace_seconds must be >= 0, got %d", a.GraceSeconds)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Tether Configuration

# Directory holding all project working directories
# projects_dir: ~/tether/projects

# Structured log destination
log_file: tether.log

# Chat transport settings
chat:
  # Bot API token (or set TETHER_BOT_TOKEN)
  # bot_token: "12345:token"
  #
  # The single chat identity allowed to drive the bridge
  # (or set TETHER_AUTHORIZED_USER)
  # authorized_user: "123456789"
  #
  # Long-poll window in seconds for fetching inbound events
  poll_timeout_seconds: 25

# Agent CLI invocation
agent:
  command: gemini
  args: ["--yolo", "--resume", "latest"]
  prompt_flag: --prompt
  timeout_seconds: 300   # 0 disables the per-run timeout
  grace_seconds: 10      # grace window before a cancelled run is killed

# Output streaming back to chat
# Environment overrides: STREAM_MODE, STREAM_UPDATE_INTERVAL,
# STREAM_MIN_CHARS, STREAM_MAX_CHARS, STREAM_TAIL_LIMIT, STREAM_CURSOR
stream:
  mode: partial          # partial (edit in place), block (chunked), off
  update_interval: 2.0   # seconds between partial edits
  min_chars: 200         # buffer floor before a block message is sent
  max_chars: 4000        # cap per outbound message
  tail_limit: 3500       # rendered tail cap in partial mode
  cursor: " ▌"           # appended to partial renders while running

# Project file watching
watcher:
  debounce_ms: 750
  ignore: [".git", "venv", "__pycache__", "node_modules"]

# Speech transcription for voice notes (disabled when command is empty)
# voice:
#   command: whisper-cli
#   args: ["--language", "en"]

# Distributed tracing for agent runs
# tracing:
#   enabled: false
#   exporter: file                 # none, file, stdout, otlp
#   file_path: ~/.config/tether/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/karyi/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KARYI"

// ConfigEnv names an explicit config file when no path is given to Load.
const ConfigEnv = EnvPrefix + "_CONFIG"

// Config is the resolved host configuration.
type Config struct {
	Worker  WorkerConfig  `mapstructure:"worker"`
	RPC     RPCConfig     `mapstructure:"rpc"`
	AI      AIConfig      `mapstructure:"ai"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// WorkerConfig describes the worker process.
type WorkerConfig struct {
	Executable     string            `mapstructure:"executable"`
	Entry          string            `mapstructure:"entry"`
	Args           []string          `mapstructure:"args"`
	WorkDir        string            `mapstructure:"work_dir"`
	Env            map[string]string `mapstructure:"env"`
	ReadyMarker    string            `mapstructure:"ready_marker"`
	StartupTimeout time.Duration     `mapstructure:"startup_timeout"`
	StopGrace      time.Duration     `mapstructure:"stop_grace"`

	// RestartAttempts bounds retries when the worker is restarted.
	RestartAttempts int `mapstructure:"restart_attempts"`

	// WatchEntry restarts the worker when Entry changes on disk.
	WatchEntry    bool          `mapstructure:"watch_entry"`
	WatchDebounce time.Duration `mapstructure:"watch_debounce"`
}

// EntryPath returns Entry resolved against WorkDir.
func (w WorkerConfig) EntryPath() string {
	if w.Entry == "" || filepath.IsAbs(w.Entry) || w.WorkDir == "" {
		return w.Entry
	}
	return filepath.Join(w.WorkDir, w.Entry)
}

// RPCConfig tunes the request channel.
type RPCConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// AIConfig is forwarded to the worker's ai_initialize.
type AIConfig struct {
	Provider    string  `mapstructure:"provider"`
	APIKey      string  `mapstructure:"api_key"`
	APIKeyEnv   string  `mapstructure:"api_key_env"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// SessionConfig controls conversations and their persistence.
type SessionConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
	Stream       bool   `mapstructure:"stream"`

	// StorePath is the SQLite database. Empty disables persistence.
	StorePath string `mapstructure:"store_path"`
}

// LoggingConfig configures the host logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default values.
const (
	DefaultExecutable     = "python"
	DefaultEntry          = "python/main.py"
	DefaultReadyMarker    = "KaryiAgent Python Engine started"
	DefaultStartupTimeout = 5 * time.Second
	DefaultStopGrace      = 3 * time.Second
	DefaultRestartAttempt = 3
	DefaultWatchDebounce  = 250 * time.Millisecond
	DefaultRPCTimeout     = 30 * time.Second
	DefaultProvider       = "openai"
	DefaultTemperature    = 0.7
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "console"
)

var providers = map[string]string{
	"openai":            "OPENAI_API_KEY",
	"openai-compatible": "OPENAI_API_KEY",
	"openrouter":        "OPENROUTER_API_KEY",
	"anthropic":         "ANTHROPIC_API_KEY",
	"gemini":            "GEMINI_API_KEY",
	"echo":              "",
}

// DefaultStorePath returns $XDG_DATA_HOME/karyi/sessions.db, falling back
// to ~/.local/share.
func DefaultStorePath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "karyi", "sessions.db")
}

// DefaultPaths lists the config files Load tries when no path is given.
func DefaultPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	dir = filepath.Join(dir, "karyi")
	return []string{
		filepath.Join(dir, "config.toml"),
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.executable", DefaultExecutable)
	v.SetDefault("worker.entry", DefaultEntry)
	v.SetDefault("worker.args", []string{})
	v.SetDefault("worker.work_dir", "")
	v.SetDefault("worker.env", map[string]string{})
	v.SetDefault("worker.ready_marker", DefaultReadyMarker)
	v.SetDefault("worker.startup_timeout", DefaultStartupTimeout)
	v.SetDefault("worker.stop_grace", DefaultStopGrace)
	v.SetDefault("worker.restart_attempts", DefaultRestartAttempt)
	v.SetDefault("worker.watch_entry", false)
	v.SetDefault("worker.watch_debounce", DefaultWatchDebounce)

	v.SetDefault("rpc.timeout", DefaultRPCTimeout)

	v.SetDefault("ai.provider", DefaultProvider)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.api_key_env", "")
	v.SetDefault("ai.model", "")
	v.SetDefault("ai.base_url", "")
	v.SetDefault("ai.temperature", DefaultTemperature)
	v.SetDefault("ai.max_tokens", 0)

	v.SetDefault("session.system_prompt", "")
	v.SetDefault("session.stream", false)
	v.SetDefault("session.store_path", DefaultStorePath())

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)
}

// Default returns the configuration with only built-in defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load resolves the configuration from defaults, the config file at path
// and the environment. An empty path falls back to $KARYI_CONFIG and then
// to the first existing entry of DefaultPaths. A missing explicit file is
// an error; a missing default file is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		if p := os.Getenv(ConfigEnv); p != "" {
			path, explicit = p, true
		}
	}
	if !explicit {
		path = firstExisting(DefaultPaths())
	}

	// viper lowercases keys, in place; environment variable names are
	// case-sensitive so worker.env is captured first.
	var workerEnv map[string]string
	if path != "" {
		raw, err := LoadFile(path)
		if err != nil && (explicit || !errors.Is(err, ErrFileNotFound)) {
			return nil, err
		}
		if raw != nil {
			workerEnv = rawEnv(raw)
			if err := v.MergeConfigMap(raw); err != nil {
				return nil, fmt.Errorf("merge %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if workerEnv != nil {
		cfg.Worker.Env = workerEnv
	}

	cfg.resolveAPIKey()
	return &cfg, nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func rawEnv(raw map[string]any) map[string]string {
	worker, ok := raw["worker"].(map[string]any)
	if !ok {
		return nil
	}
	env, ok := worker["env"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, val := range env {
		out[k] = fmt.Sprint(val)
	}
	return out
}

// resolveAPIKey reads the key from APIKeyEnv, or from the provider's
// conventional variable, when no key is configured.
func (c *Config) resolveAPIKey() {
	if c.AI.APIKey != "" {
		return
	}
	name := c.AI.APIKeyEnv
	if name == "" {
		name = providers[strings.ToLower(c.AI.Provider)]
	}
	if name != "" {
		c.AI.APIKey = os.Getenv(name)
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Worker.Executable) == "" {
		add("worker.executable is empty")
	}
	if c.Worker.StartupTimeout <= 0 {
		add("worker.startup_timeout must be positive, got %s", c.Worker.StartupTimeout)
	}
	if c.Worker.StopGrace <= 0 {
		add("worker.stop_grace must be positive, got %s", c.Worker.StopGrace)
	}
	if c.Worker.RestartAttempts < 1 {
		add("worker.restart_attempts must be at least 1, got %d", c.Worker.RestartAttempts)
	}
	if c.Worker.WatchEntry {
		if c.Worker.Entry == "" {
			add("worker.watch_entry requires worker.entry")
		}
		if c.Worker.WatchDebounce < 0 {
			add("worker.watch_debounce must not be negative, got %s", c.Worker.WatchDebounce)
		}
	}
	if c.RPC.Timeout <= 0 {
		add("rpc.timeout must be positive, got %s", c.RPC.Timeout)
	}
	if _, ok := providers[strings.ToLower(c.AI.Provider)]; !ok {
		add("ai.provider %q is not supported", c.AI.Provider)
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		add("ai.temperature must be within [0, 2], got %g", c.AI.Temperature)
	}
	if c.AI.MaxTokens < 0 {
		add("ai.max_tokens must not be negative, got %d", c.AI.MaxTokens)
	}
	if _, err := logging.ParseLogLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		add("logging.format %q is not console or json", c.Logging.Format)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

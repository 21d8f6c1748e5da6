package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/richinsley/comfyrunner/client"
	"github.com/richinsley/comfyrunner/locator"
)

const EnvPrefix = "COMFYRUNNER"

// Config is built once per run by Load and not modified afterwards.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig locates the ComfyUI server
type ServerConfig struct {
	Address        string        `mapstructure:"address"`  // host:port, also the fallback for failed lookups
	Protocol       string        `mapstructure:"protocol"` // http or https
	Port           int           `mapstructure:"port"`     // port appended to a looked up host
	Locate         string        `mapstructure:"locate"`   // none, public or outbound
	PublicIPURL    string        `mapstructure:"public_ip_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// WorkflowConfig names the workflow files
type WorkflowConfig struct {
	Path      string `mapstructure:"path"`       // workflow to run
	CheckPath string `mapstructure:"check_path"` // workflow that reports whether Path needs to run
	CheckNode string `mapstructure:"check_node"` // node of CheckPath whose text output is read
	CacheKey  string `mapstructure:"cache_key"`  // key handed to the cache check
}

type TrackerConfig struct {
	Mode          string        `mapstructure:"mode"`
	Timeout       time.Duration `mapstructure:"timeout"`
	EventSlice    time.Duration `mapstructure:"event_slice"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	VanishConfirm time.Duration `mapstructure:"vanish_confirm"`
	ErrorBackoff  time.Duration `mapstructure:"error_backoff"`
	DialRetries   int           `mapstructure:"dial_retries"`
}

type RunnerConfig struct {
	ReadyInterval time.Duration `mapstructure:"ready_interval"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level"`
}

// SetDefaults registers every key with its default value. viper only maps
// environment variables onto keys it knows about.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1:8188")
	v.SetDefault("server.protocol", "http")
	v.SetDefault("server.port", 8188)
	v.SetDefault("server.locate", string(locator.StrategyNone))
	v.SetDefault("server.public_ip_url", locator.DefaultPublicIPURL)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("workflow.path", "workflows/cache_model.json")
	v.SetDefault("workflow.check_path", "")
	v.SetDefault("workflow.check_node", "")
	v.SetDefault("workflow.cache_key", "")

	def := client.DefaultTrackOptions()
	v.SetDefault("tracker.mode", string(def.Mode))
	v.SetDefault("tracker.timeout", def.Timeout)
	v.SetDefault("tracker.event_slice", def.EventSlice)
	v.SetDefault("tracker.poll_interval", def.PollInterval)
	v.SetDefault("tracker.vanish_confirm", def.VanishConfirm)
	v.SetDefault("tracker.error_backoff", def.ErrorBackoff)
	v.SetDefault("tracker.dial_retries", def.DialRetries)

	v.SetDefault("runner.ready_interval", 2*time.Second)

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
}

type LoadOptions struct {
	// ConfigFile is an explicit config path. Without it comfyrunner.yaml is
	// looked up in the working directory and is optional.
	ConfigFile string
	// EnvFile is an explicit .env path. Without it ./.env is loaded if present.
	EnvFile string
}

// Load layers defaults, the config file, the environment and whatever flags
// were bound to v, in increasing precedence.
func Load(v *viper.Viper, opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", opts.EnvFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("comfyrunner")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// configuration validation errors
var (
	ErrInvalidProtocol = errors.New("server.protocol must be http or https")
	ErrInvalidDuration = errors.New("durations must be positive")
	ErrCheckNodeNeeded = errors.New("workflow.check_node is required with workflow.check_path")
)

func (c *Config) Validate() error {
	switch strings.ToLower(c.Server.Protocol) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProtocol, c.Server.Protocol)
	}
	if _, err := locator.ParseStrategy(c.Server.Locate); err != nil {
		return err
	}
	if _, err := client.ParseTrackMode(c.Tracker.Mode); err != nil {
		return err
	}
	durations := map[string]time.Duration{
		"server.request_timeout": c.Server.RequestTimeout,
		"tracker.timeout":        c.Tracker.Timeout,
		"tracker.event_slice":    c.Tracker.EventSlice,
		"tracker.poll_interval":  c.Tracker.PollInterval,
		"tracker.vanish_confirm": c.Tracker.VanishConfirm,
		"tracker.error_backoff":  c.Tracker.ErrorBackoff,
		"runner.ready_interval":  c.Runner.ReadyInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s is %v", ErrInvalidDuration, key, d)
		}
	}
	if c.Workflow.CheckPath != "" && c.Workflow.CheckNode == "" {
		return ErrCheckNodeNeeded
	}
	return nil
}

// TrackOptions converts the tracker section for client.AwaitCompletion
func (c *Config) TrackOptions() client.TrackOptions {
	mode, _ := client.ParseTrackMode(c.Tracker.Mode)
	return client.TrackOptions{
		Mode:          mode,
		Timeout:       c.Tracker.Timeout,
		EventSlice:    c.Tracker.EventSlice,
		PollInterval:  c.Tracker.PollInterval,
		VanishConfirm: c.Tracker.VanishConfirm,
		ErrorBackoff:  c.Tracker.ErrorBackoff,
		DialRetries:   c.Tracker.DialRetries,
	}
}

// LocatorOptions converts the server section for locator.Resolve
func (c *Config) LocatorOptions() locator.Options {
	strategy, _ := locator.ParseStrategy(c.Server.Locate)
	return locator.Options{
		Strategy:    strategy,
		Port:        c.Server.Port,
		PublicIPURL: c.Server.PublicIPURL,
		Fallback:    c.Server.Address,
	}
}

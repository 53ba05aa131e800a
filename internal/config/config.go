// Package config loads kiln configuration from a YAML file and KILN_
// environment variables.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/dangazineu/kiln/internal/logging"
)

const (
	EnvPrefix = "KILN_"

	maxConfigFileSize = 1024 * 1024

	DefaultBudget        = 3
	DefaultStepLimit     = 20
	DefaultBuildTimeout  = 10 * time.Minute
	DefaultRunWindow     = 30 * time.Second
	DefaultExitGrace     = 10 * time.Second
	DefaultLogTail       = 200
	DefaultWatchInterval = time.Second
	DefaultWatchDuration = 3 * time.Second
	DefaultWatchTail     = 20
	DefaultCollabTimeout = 5 * time.Minute
	DefaultServerAddr    = ":8080"
	DefaultRetention     = 7 * 24 * time.Hour

	DefaultRetryAttempts      = 3
	DefaultRetryInitialDelay  = 500 * time.Millisecond
	DefaultRetryMaxDelay      = 10 * time.Second
	DefaultRetryBackoffFactor = 2.0
)

// sections lists the top-level keys that hold nested fields, used to map
// KILN_SECTION_FIELD_NAME onto section.field_name.
var sections = []string{"execute", "watch", "classifier", "collaborators", "log", "server"}

// subsections are nested one level below a section.
var subsections = []string{"collaborators.retry"}

type Config struct {
	Workspace     string              `koanf:"workspace"`
	Runtime       string              `koanf:"runtime"`
	Budget        int                 `koanf:"budget"`
	StepLimit     int                 `koanf:"step_limit"`
	KeepAlive     bool                `koanf:"keep_alive"`
	Retention     time.Duration       `koanf:"retention"`
	Execute       ExecuteConfig       `koanf:"execute"`
	Watch         WatchConfig         `koanf:"watch"`
	Classifier    ClassifierConfig    `koanf:"classifier"`
	Collaborators CollaboratorsConfig `koanf:"collaborators"`
	Log           logging.Config      `koanf:"log"`
	Server        ServerConfig        `koanf:"server"`
}

// ExecuteConfig bounds one build+run cycle.
type ExecuteConfig struct {
	BuildTimeout time.Duration `koanf:"build_timeout"`
	// RunWindow is how long a run may keep producing output before it is
	// treated as a persistent service.
	RunWindow time.Duration `koanf:"run_window"`
	ExitGrace time.Duration `koanf:"exit_grace"`
	LogTail   int           `koanf:"log_tail"`
}

type WatchConfig struct {
	Interval time.Duration `koanf:"interval"`
	Duration time.Duration `koanf:"duration"`
	Tail     int           `koanf:"tail"`
}

type ClassifierConfig struct {
	// Ignore holds CEL expressions over `line`; a line matching any of them
	// is neither captured nor kept as evidence.
	Ignore []string `koanf:"ignore"`
}

// CollaboratorsConfig configures the external stage implementations. Each
// command is an argv; empty means the stage falls back to SourceDir or a
// built-in.
type CollaboratorsConfig struct {
	Generator    []string      `koanf:"generator"`
	Packager     []string      `koanf:"packager"`
	CodeRepairer []string      `koanf:"code_repairer"`
	SpecRepairer []string      `koanf:"spec_repairer"`
	Documenter   []string      `koanf:"documenter"`
	SourceDir    string        `koanf:"source_dir"`
	Timeout      time.Duration `koanf:"timeout"`
	Retry        RetryConfig   `koanf:"retry"`
}

// RetryConfig bounds retries of a failing collaborator call. Attempts
// counts the first call.
type RetryConfig struct {
	Attempts      int           `koanf:"attempts"`
	InitialDelay  time.Duration `koanf:"initial_delay"`
	MaxDelay      time.Duration `koanf:"max_delay"`
	BackoffFactor float64       `koanf:"backoff_factor"`
	// Patterns are extra error substrings worth retrying.
	Patterns []string `koanf:"patterns"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path (skipped when path is empty), applies
// KILN_ environment overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("could not stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d bytes)", info.Size(), maxConfigFileSize)
		}
		data, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
	}
	return Parse(data)
}

// Parse is Load for an in-memory YAML document.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")

	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("could not unmarshal config: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("could not load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps KILN_EXECUTE_RUN_WINDOW to execute.run_window,
// KILN_COLLABORATORS_RETRY_ATTEMPTS to collaborators.retry.attempts and
// KILN_STEP_LIMIT to step_limit.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range sections {
		if strings.HasPrefix(key, section+"_") {
			key = section + "." + strings.TrimPrefix(key, section+"_")
			break
		}
	}
	for _, sub := range subsections {
		if strings.HasPrefix(key, sub+"_") {
			return sub + "." + strings.TrimPrefix(key, sub+"_")
		}
	}
	return key
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		cfg.Workspace = defaultWorkspace()
	}
	if cfg.Budget == 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.StepLimit == 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	if cfg.Retention == 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Execute.BuildTimeout == 0 {
		cfg.Execute.BuildTimeout = DefaultBuildTimeout
	}
	if cfg.Execute.RunWindow == 0 {
		cfg.Execute.RunWindow = DefaultRunWindow
	}
	if cfg.Execute.ExitGrace == 0 {
		cfg.Execute.ExitGrace = DefaultExitGrace
	}
	if cfg.Execute.LogTail == 0 {
		cfg.Execute.LogTail = DefaultLogTail
	}
	if cfg.Watch.Interval == 0 {
		cfg.Watch.Interval = DefaultWatchInterval
	}
	if cfg.Watch.Duration == 0 {
		cfg.Watch.Duration = DefaultWatchDuration
	}
	if cfg.Watch.Tail == 0 {
		cfg.Watch.Tail = DefaultWatchTail
	}
	if cfg.Collaborators.Timeout == 0 {
		cfg.Collaborators.Timeout = DefaultCollabTimeout
	}
	if cfg.Collaborators.Retry.Attempts == 0 {
		cfg.Collaborators.Retry.Attempts = DefaultRetryAttempts
	}
	if cfg.Collaborators.Retry.InitialDelay == 0 {
		cfg.Collaborators.Retry.InitialDelay = DefaultRetryInitialDelay
	}
	if cfg.Collaborators.Retry.MaxDelay == 0 {
		cfg.Collaborators.Retry.MaxDelay = DefaultRetryMaxDelay
	}
	if cfg.Collaborators.Retry.BackoffFactor == 0 {
		cfg.Collaborators.Retry.BackoffFactor = DefaultRetryBackoffFactor
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
}

func defaultWorkspace() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kiln"
	}
	return home + string(os.PathSeparator) + ".kiln" + string(os.PathSeparator) + "runs"
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Runtime {
	case "", "docker", "podman":
	default:
		return fmt.Errorf("invalid runtime '%s': must be docker or podman", c.Runtime)
	}
	if c.Budget < 1 {
		return fmt.Errorf("budget must be at least 1, got %d", c.Budget)
	}
	if c.StepLimit < 1 {
		return fmt.Errorf("step_limit must be at least 1, got %d", c.StepLimit)
	}
	if err := validatePositive("retention", c.Retention); err != nil {
		return err
	}
	if err := validatePositive("execute.build_timeout", c.Execute.BuildTimeout); err != nil {
		return err
	}
	if err := validatePositive("execute.run_window", c.Execute.RunWindow); err != nil {
		return err
	}
	if err := validatePositive("execute.exit_grace", c.Execute.ExitGrace); err != nil {
		return err
	}
	if c.Execute.LogTail < 1 {
		return fmt.Errorf("execute.log_tail must be positive, got %d", c.Execute.LogTail)
	}
	if err := validatePositive("watch.interval", c.Watch.Interval); err != nil {
		return err
	}
	if err := validatePositive("watch.duration", c.Watch.Duration); err != nil {
		return err
	}
	if c.Watch.Interval > c.Watch.Duration {
		return fmt.Errorf("watch.interval (%s) must not exceed watch.duration (%s)", c.Watch.Interval, c.Watch.Duration)
	}
	if c.Watch.Tail < 1 {
		return fmt.Errorf("watch.tail must be positive, got %d", c.Watch.Tail)
	}
	for i, expr := range c.Classifier.Ignore {
		if err := validateCELExpression(expr); err != nil {
			return fmt.Errorf("invalid classifier.ignore[%d]: %w", i, err)
		}
	}
	if err := validatePositive("collaborators.timeout", c.Collaborators.Timeout); err != nil {
		return err
	}
	if err := c.Collaborators.Retry.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}
	return nil
}

// Validate reports the first invalid retry setting.
func (r RetryConfig) Validate() error {
	if r.Attempts < 1 {
		return fmt.Errorf("collaborators.retry.attempts must be at least 1, got %d", r.Attempts)
	}
	if err := validatePositive("collaborators.retry.initial_delay", r.InitialDelay); err != nil {
		return err
	}
	if err := validatePositive("collaborators.retry.max_delay", r.MaxDelay); err != nil {
		return err
	}
	if r.InitialDelay > r.MaxDelay {
		return fmt.Errorf("collaborators.retry.initial_delay (%s) must not exceed collaborators.retry.max_delay (%s)", r.InitialDelay, r.MaxDelay)
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("collaborators.retry.backoff_factor must be at least 1, got %g", r.BackoffFactor)
	}
	return nil
}

func validatePositive(key string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return nil
}

// validateCELExpression catches obvious mistakes early; the classifier
// compiles the expression and reports type errors.
func validateCELExpression(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return fmt.Errorf("CEL expression cannot be empty")
	}

	parenCount := 0
	for _, char := range expression {
		switch char {
		case '(':
			parenCount++
		case ')':
			parenCount--
			if parenCount < 0 {
				return fmt.Errorf("unbalanced parentheses in CEL expression: %s", expression)
			}
		}
	}
	if parenCount != 0 {
		return fmt.Errorf("unbalanced parentheses in CEL expression: %s", expression)
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/throw-if-null/covalent/internal/logging"
	"github.com/throw-if-null/covalent/internal/paths"
	"github.com/throw-if-null/covalent/internal/phase"
)

// Duration parses TOML values like "10m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Executor  ExecutorConfig  `toml:"executor"`
	Events    EventsConfig    `toml:"events"`
	Logging   logging.Config  `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type PipelineConfig struct {
	MaxIterations       int            `toml:"max_iterations"`
	ReviewPassThreshold float64        `toml:"review_pass_threshold"`
	Timeouts            TimeoutsConfig `toml:"timeouts"`
}

// TimeoutsConfig holds the per-phase wall clock budgets.
type TimeoutsConfig struct {
	Plan   Duration `toml:"plan"`
	Code   Duration `toml:"code"`
	Test   Duration `toml:"test"`
	Review Duration `toml:"review"`
}

// Map returns the budgets keyed by phase.
func (t TimeoutsConfig) Map() map[phase.Phase]time.Duration {
	return map[phase.Phase]time.Duration{
		phase.Plan:   t.Plan.Std(),
		phase.Code:   t.Code.Std(),
		phase.Test:   t.Test.Std(),
		phase.Review: t.Review.Std(),
	}
}

type SchedulerConfig struct {
	MaxConcurrentTasks int `toml:"max_concurrent_tasks"`
	PollIntervalMS     int `toml:"poll_interval_ms"`
}

type ExecutorConfig struct {
	RetryAttempts         int      `toml:"retry_attempts"`
	RetryInitialBackoffMS int      `toml:"retry_initial_backoff_ms"`
	PlanCommand           []string `toml:"plan_command"`
	CodeCommand           []string `toml:"code_command"`
	TestCommand           []string `toml:"test_command"`
	ReviewCommand         []string `toml:"review_command"`
}

// CommandFor returns the agent argv configured for p, nil when the phase has
// no external command and the built-in scripted executor applies.
func (e ExecutorConfig) CommandFor(p phase.Phase) []string {
	switch p {
	case phase.Plan:
		return e.PlanCommand
	case phase.Code:
		return e.CodeCommand
	case phase.Test:
		return e.TestCommand
	case phase.Review:
		return e.ReviewCommand
	}
	return nil
}

type EventsConfig struct {
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
	ServiceName  string `toml:"service_name"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 7717},
		Pipeline: PipelineConfig{
			MaxIterations:       5,
			ReviewPassThreshold: 0.85,
			Timeouts: TimeoutsConfig{
				Plan:   Duration(10 * time.Minute),
				Code:   Duration(30 * time.Minute),
				Test:   Duration(20 * time.Minute),
				Review: Duration(15 * time.Minute),
			},
		},
		Scheduler: SchedulerConfig{MaxConcurrentTasks: 4, PollIntervalMS: 200},
		Executor:  ExecutorConfig{RetryAttempts: 3, RetryInitialBackoffMS: 250},
		Events:    EventsConfig{SubjectPrefix: "covalent"},
		Logging:   logging.DefaultConfig(),
		Telemetry: TelemetryConfig{ServiceName: "covalentd"},
	}
}

var (
	ErrInvalid = errors.New("invalid config")
)

type LoadResult struct {
	Config     Config
	Found      bool
	Path       string
	ParseError error
}

func Load(repoRoot string) LoadResult {
	res := LoadResult{Config: Default()}
	path := filepath.Join(repoRoot, paths.DataDir, "config.toml")
	res.Path = path

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			ApplyEnv(&res.Config)
			return res
		}
		res.ParseError = err
		return res
	}

	res.Found = true
	var parsed Config
	if err := toml.Unmarshal(b, &parsed); err != nil {
		res.ParseError = fmt.Errorf("%w: %v", ErrInvalid, err)
		return res
	}

	res.Config = merge(Default(), parsed)
	ApplyEnv(&res.Config)
	return res
}

// ApplyEnv overlays COVALENT_* environment variables onto cfg. Environment
// wins over the config file.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("COVALENT_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("COVALENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("COVALENT_NATS_URL"); v != "" {
		cfg.Events.NATSURL = v
	}
	if v := os.Getenv("COVALENT_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("COVALENT_OTLP_INSECURE"); v != "" {
		cfg.Telemetry.Insecure = v == "1" || v == "true"
	}
	if v := os.Getenv("COVALENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Pipeline.MaxIterations < 1 {
		return fmt.Errorf("%w: max_iterations must be at least 1", ErrInvalid)
	}
	if c.Pipeline.ReviewPassThreshold < 0 || c.Pipeline.ReviewPassThreshold > 1 {
		return fmt.Errorf("%w: review_pass_threshold must be within [0, 1]", ErrInvalid)
	}
	if c.Scheduler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("%w: max_concurrent_tasks must be at least 1", ErrInvalid)
	}
	if c.Executor.RetryAttempts < 0 {
		return fmt.Errorf("%w: retry_attempts must not be negative", ErrInvalid)
	}
	for p, d := range c.Pipeline.Timeouts.Map() {
		if d <= 0 {
			return fmt.Errorf("%w: timeout for %s must be positive", ErrInvalid, p)
		}
	}
	return nil
}

func merge(def Config, cfg Config) Config {
	// Server
	if cfg.Server.Host != "" {
		def.Server.Host = cfg.Server.Host
	}
	if cfg.Server.Port != 0 {
		def.Server.Port = cfg.Server.Port
	}
	// Pipeline
	if cfg.Pipeline.MaxIterations != 0 {
		def.Pipeline.MaxIterations = cfg.Pipeline.MaxIterations
	}
	if cfg.Pipeline.ReviewPassThreshold != 0 {
		def.Pipeline.ReviewPassThreshold = cfg.Pipeline.ReviewPassThreshold
	}
	if cfg.Pipeline.Timeouts.Plan != 0 {
		def.Pipeline.Timeouts.Plan = cfg.Pipeline.Timeouts.Plan
	}
	if cfg.Pipeline.Timeouts.Code != 0 {
		def.Pipeline.Timeouts.Code = cfg.Pipeline.Timeouts.Code
	}
	if cfg.Pipeline.Timeouts.Test != 0 {
		def.Pipeline.Timeouts.Test = cfg.Pipeline.Timeouts.Test
	}
	if cfg.Pipeline.Timeouts.Review != 0 {
		def.Pipeline.Timeouts.Review = cfg.Pipeline.Timeouts.Review
	}
	// Scheduler
	if cfg.Scheduler.MaxConcurrentTasks != 0 {
		def.Scheduler.MaxConcurrentTasks = cfg.Scheduler.MaxConcurrentTasks
	}
	if cfg.Scheduler.PollIntervalMS != 0 {
		def.Scheduler.PollIntervalMS = cfg.Scheduler.PollIntervalMS
	}
	// Executor
	if cfg.Executor.RetryAttempts != 0 {
		def.Executor.RetryAttempts = cfg.Executor.RetryAttempts
	}
	if cfg.Executor.RetryInitialBackoffMS != 0 {
		def.Executor.RetryInitialBackoffMS = cfg.Executor.RetryInitialBackoffMS
	}
	if len(cfg.Executor.PlanCommand) != 0 {
		def.Executor.PlanCommand = cfg.Executor.PlanCommand
	}
	if len(cfg.Executor.CodeCommand) != 0 {
		def.Executor.CodeCommand = cfg.Executor.CodeCommand
	}
	if len(cfg.Executor.TestCommand) != 0 {
		def.Executor.TestCommand = cfg.Executor.TestCommand
	}
	if len(cfg.Executor.ReviewCommand) != 0 {
		def.Executor.ReviewCommand = cfg.Executor.ReviewCommand
	}
	// Events
	if cfg.Events.NATSURL != "" {
		def.Events.NATSURL = cfg.Events.NATSURL
	}
	if cfg.Events.SubjectPrefix != "" {
		def.Events.SubjectPrefix = cfg.Events.SubjectPrefix
	}
	// Logging
	if cfg.Logging.Level != "" {
		def.Logging.Level = cfg.Logging.Level
	}
	if cfg.Logging.Format != "" {
		def.Logging.Format = cfg.Logging.Format
	}
	// Telemetry
	if cfg.Telemetry.OTLPEndpoint != "" {
		def.Telemetry.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	def.Telemetry.Insecure = cfg.Telemetry.Insecure
	if cfg.Telemetry.ServiceName != "" {
		def.Telemetry.ServiceName = cfg.Telemetry.ServiceName
	}
	return def
}

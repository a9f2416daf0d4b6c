package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a research run.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Research  ResearchConfig  `mapstructure:"research"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains logging settings
type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
	// Console switches to human readable log lines on stderr.
	Console bool `mapstructure:"console"`
}

// LLMConfig configures the OpenAI-compatible model behind the judge, planner,
// summarizer and decomposer.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	JSONMode    bool          `mapstructure:"json_mode"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.APIKey) == "" {
		return fmt.Errorf("llm.api_key required")
	}
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	return nil
}

// ToolsConfig contains tool credentials, retry policy and the local knowledge base.
type ToolsConfig struct {
	SerperAPIKey   string            `mapstructure:"serper_api_key"`
	SerperEndpoint string            `mapstructure:"serper_endpoint"`
	SearchResults  int               `mapstructure:"search_results"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	MaxRetries     int               `mapstructure:"max_retries"`
	InitialBackoff time.Duration     `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration     `mapstructure:"max_backoff"`
	RatePerSecond  float64           `mapstructure:"rate_per_second"`
	Burst          int               `mapstructure:"burst"`
	Browser        bool              `mapstructure:"browser"`
	FetchMaxChars  int               `mapstructure:"fetch_max_chars"`
	FetchPolicy    FetchPolicyConfig `mapstructure:"fetch_policy"`
	KnowledgeDir   string            `mapstructure:"knowledge_dir"`
	ChunkChars     int               `mapstructure:"chunk_chars"`
	RAGResults     int               `mapstructure:"rag_results"`
}

func (t ToolsConfig) Validate() error {
	if t.MaxRetries < 0 {
		return fmt.Errorf("tools.max_retries cannot be negative")
	}
	if t.RatePerSecond < 0 {
		return fmt.Errorf("tools.rate_per_second cannot be negative")
	}
	if t.SerperEndpoint != "" {
		if _, err := url.ParseRequestURI(t.SerperEndpoint); err != nil {
			return fmt.Errorf("tools.serper_endpoint: %w", err)
		}
	}
	return t.FetchPolicy.Validate()
}

// ResearchConfig bounds each per-topic research loop.
type ResearchConfig struct {
	MaxIterations     int     `mapstructure:"max_iterations"`
	NewTopicThreshold float64 `mapstructure:"new_topic_threshold"`
	// Policy is "conservative" or "flexible".
	Policy       string `mapstructure:"policy"`
	DefaultTool  string `mapstructure:"default_tool"`
	MaxSubtopics int    `mapstructure:"max_subtopics"`
}

func (r ResearchConfig) Validate() error {
	if r.MaxIterations < 1 {
		return fmt.Errorf("research.max_iterations must be >= 1")
	}
	if r.NewTopicThreshold < 0 || r.NewTopicThreshold > 1 {
		return fmt.Errorf("research.new_topic_threshold must be within [0, 1]")
	}
	switch strings.ToLower(strings.TrimSpace(r.Policy)) {
	case "", "fixed", "conservative", "flexible":
	default:
		return fmt.Errorf("research.policy %q is not supported", r.Policy)
	}
	if r.MaxSubtopics < 1 {
		return fmt.Errorf("research.max_subtopics must be >= 1")
	}
	return nil
}

// SchedulerConfig selects how the queue is drained.
type SchedulerConfig struct {
	Mode         string        `mapstructure:"mode"`
	MaxParallel  int           `mapstructure:"max_parallel"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxIdlePolls int           `mapstructure:"max_idle_polls"`
}

func (s SchedulerConfig) Validate() error {
	switch s.Mode {
	case "sequential", "parallel":
	default:
		return fmt.Errorf("scheduler.mode must be sequential or parallel, got %q", s.Mode)
	}
	if s.MaxParallel < 1 {
		return fmt.Errorf("scheduler.max_parallel must be >= 1")
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if s.MaxIdlePolls < 1 {
		return fmt.Errorf("scheduler.max_idle_polls must be >= 1")
	}
	return nil
}

// StallWindow is how long parallel mode waits without any progress signal before it
// gives up on in-flight blocks.
func (s SchedulerConfig) StallWindow() time.Duration {
	return s.PollInterval * time.Duration(s.MaxIdlePolls)
}

// QueueConfig controls capacity and where snapshots are written.
type QueueConfig struct {
	MaxLength int `mapstructure:"max_length"`
	// Snapshot is one of none, file, redis or postgres.
	Snapshot string `mapstructure:"snapshot"`
	// SnapshotDir holds one <run_id>.json file per run for file snapshots.
	SnapshotDir string `mapstructure:"snapshot_dir"`
	// Resume restores the last snapshot of the run instead of decomposing again.
	Resume bool `mapstructure:"resume"`
}

func (q QueueConfig) Validate() error {
	if q.MaxLength < 0 {
		return fmt.Errorf("queue.max_length cannot be negative")
	}
	switch q.Snapshot {
	case "", "none", "redis", "postgres":
	case "file":
		if strings.TrimSpace(q.SnapshotDir) == "" {
			return fmt.Errorf("queue.snapshot_dir required for file snapshots")
		}
	default:
		return fmt.Errorf("queue.snapshot %q is not supported", q.Snapshot)
	}
	if q.Resume && (q.Snapshot == "" || q.Snapshot == "none") {
		return fmt.Errorf("queue.resume needs queue.snapshot set to file, redis or postgres")
	}
	return nil
}

// BudgetConfig caps a whole run. Zero disables a limit.
type BudgetConfig struct {
	MaxTimeSeconds int64 `mapstructure:"max_time_seconds"`
	MaxToolCalls   int64 `mapstructure:"max_tool_calls"`
	MaxBlocks      int64 `mapstructure:"max_blocks"`
}

func (b BudgetConfig) Validate() error {
	if b.MaxTimeSeconds < 0 || b.MaxToolCalls < 0 || b.MaxBlocks < 0 {
		return fmt.Errorf("budget limits cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. Redis is optional; an empty host
// disables the progress stream and Redis snapshots.
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Timeout      time.Duration `mapstructure:"timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	SnapshotTTL  time.Duration `mapstructure:"snapshot_ttl"`
	Stream       string        `mapstructure:"stream"`
	StreamMaxLen int64         `mapstructure:"stream_max_len"`
}

// Enabled reports whether a Redis host is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if r.StreamMaxLen < 0 {
		return fmt.Errorf("storage.redis.stream_max_len cannot be negative")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings. Postgres is optional; it
// stores runs, citations and queue snapshots.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a database is configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN returns the connection URL, building it from parts when url is not set.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + port,
		Path:     "/" + p.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(ssl),
	}
	return u.String()
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// TelemetryConfig contains tracing and the status server address.
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	TraceFile   string `mapstructure:"trace_file"`
	ServiceName string `mapstructure:"service_name"`
	// StatusAddr serves /metrics, /queue and /healthz while a run is active.
	StatusAddr string `mapstructure:"status_addr"`
}

// Validate runs every section's checks. Sections that need the LLM are checked by
// the commands that use it.
func (c *Config) Validate() error {
	var errs []error
	for _, v := range []interface{ Validate() error }{
		c.Tools, c.Research, c.Scheduler, c.Queue, c.Budget, c.Storage.Redis, c.Storage.Postgres,
	} {
		if err := v.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Scheduler.Mode == "parallel" {
		if step := c.longestSilentStep(); c.Scheduler.StallWindow() <= step {
			errs = append(errs, fmt.Errorf("scheduler stall window %s (poll_interval x max_idle_polls) must exceed the longest model or tool call %s", c.Scheduler.StallWindow(), step))
		}
	}
	if c.Queue.Snapshot == "redis" && !c.Storage.Redis.Enabled() {
		errs = append(errs, fmt.Errorf("queue.snapshot=redis requires storage.redis.host"))
	}
	if c.Queue.Snapshot == "postgres" && !c.Storage.Postgres.Enabled() {
		errs = append(errs, fmt.Errorf("queue.snapshot=postgres requires storage.postgres"))
	}
	return errors.Join(errs...)
}

// longestSilentStep bounds the time a block can spend inside one collaborator call
// without signalling progress: one model call, or one tool type with every retry
// plus its fallback.
func (c *Config) longestSilentStep() time.Duration {
	retries := time.Duration(c.Tools.MaxRetries)
	perTool := c.Tools.Timeout*(retries+1) + c.Tools.MaxBackoff*retries
	return max(c.LLM.Timeout, 2*perTool)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	// empty defaults register the keys so RESEARCHER_* variables reach Unmarshal
	for _, key := range []string{
		"general.log_file", "llm.api_key", "llm.base_url", "tools.serper_api_key",
		"tools.serper_endpoint", "tools.knowledge_dir", "queue.snapshot_dir",
		"storage.redis.host", "storage.redis.password", "storage.postgres.url",
		"storage.postgres.host", "storage.postgres.user", "storage.postgres.password",
		"storage.postgres.dbname", "telemetry.trace_file", "telemetry.status_addr",
	} {
		v.SetDefault(key, "")
	}
	for _, key := range []string{"general.console", "queue.resume", "telemetry.tracing"} {
		v.SetDefault(key, false)
	}
	for _, key := range []string{
		"llm.max_tokens", "tools.rate_per_second", "storage.redis.db",
		"budget.max_time_seconds", "budget.max_tool_calls", "budget.max_blocks",
	} {
		v.SetDefault(key, 0)
	}
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.json_mode", true)
	v.SetDefault("tools.search_results", 5)
	v.SetDefault("tools.timeout", 30*time.Second)
	v.SetDefault("tools.max_retries", 2)
	v.SetDefault("tools.initial_backoff", 300*time.Millisecond)
	v.SetDefault("tools.max_backoff", 5*time.Second)
	v.SetDefault("tools.burst", 1)
	v.SetDefault("tools.browser", true)
	v.SetDefault("tools.fetch_max_chars", 8000)
	v.SetDefault("tools.chunk_chars", 1200)
	v.SetDefault("tools.rag_results", 5)
	v.SetDefault("research.max_iterations", 5)
	v.SetDefault("research.new_topic_threshold", 0.75)
	v.SetDefault("research.policy", "conservative")
	v.SetDefault("research.default_tool", "web_search")
	v.SetDefault("research.max_subtopics", 5)
	v.SetDefault("scheduler.mode", "sequential")
	v.SetDefault("scheduler.max_parallel", 3)
	v.SetDefault("scheduler.poll_interval", 500*time.Millisecond)
	v.SetDefault("scheduler.max_idle_polls", 600)
	v.SetDefault("queue.max_length", 20)
	v.SetDefault("queue.snapshot", "none")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.redis.key_prefix", "researcher")
	v.SetDefault("storage.redis.snapshot_ttl", 24*time.Hour)
	v.SetDefault("storage.redis.stream", "researcher:events")
	v.SetDefault("storage.redis.stream_max_len", 10000)
	v.SetDefault("storage.postgres.timeout", 5*time.Second)
	v.SetDefault("telemetry.service_name", "researcher")
}

// Load reads the config file at path, or searches ./config and . for config.{json,yaml}
// when path is empty. A missing file is fine; defaults and RESEARCHER_* environment
// variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RESEARCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Tools.FetchPolicy = cfg.Tools.FetchPolicy.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the reasoning service
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Server     ServerConfig     `mapstructure:"server"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Knowledge  KnowledgeConfig  `mapstructure:"knowledge"`
	Tools      ToolsConfig      `mapstructure:"tools"`
	Schedules  []ScheduleConfig `mapstructure:"schedules"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Language       string        `mapstructure:"language"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address         string            `mapstructure:"address"`
	JWTSecret       string            `mapstructure:"jwt_secret"`
	TokenTTL        time.Duration     `mapstructure:"token_ttl"`
	Users           map[string]string `mapstructure:"users"` // name -> bcrypt hash
	StreamHeartbeat time.Duration     `mapstructure:"stream_heartbeat"`
	StreamRetention time.Duration     `mapstructure:"stream_retention"`
}

// Normalize applies defaults for unset server values.
func (s ServerConfig) Normalize() ServerConfig {
	if strings.TrimSpace(s.Address) == "" {
		s.Address = ":10001"
	}
	if s.TokenTTL <= 0 {
		s.TokenTTL = 24 * time.Hour
	}
	if s.StreamHeartbeat <= 0 {
		s.StreamHeartbeat = 15 * time.Second
	}
	if s.StreamRetention <= 0 {
		s.StreamRetention = 5 * time.Minute
	}
	return s
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai or any openai-compatible gateway
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	ContextLength   int     `mapstructure:"context_length"` // characters of prompt budget used for history trimming
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Reasoning string `mapstructure:"reasoning"`
	Fallback  string `mapstructure:"fallback"`
}

// Validate checks that routing points at configured models.
func (l LLMConfig) Validate() error {
	if len(l.Providers) == 0 {
		return nil
	}
	for _, route := range []string{l.Routing.Reasoning, l.Routing.Fallback} {
		if route == "" {
			continue
		}
		found := false
		for _, p := range l.Providers {
			if _, ok := p.Models[route]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("llm.routing references unknown model %q", route)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// CapabilityConfig controls the ToolCard registry behaviour.
type CapabilityConfig struct {
	SigningSecret string   `mapstructure:"signing_secret"`
	RequiredTools []string `mapstructure:"required_tools"`
}

// AgentConfig controls the reasoning step loop.
type AgentConfig struct {
	TeamFile           string        `mapstructure:"team_file"`
	Engine             string        `mapstructure:"engine"`
	MaxSteps           int           `mapstructure:"max_steps"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	MaxDelegationDepth int           `mapstructure:"max_delegation_depth"`
	ArgSuppliers       []string      `mapstructure:"arg_suppliers"`
}

// Normalize applies defaults for unset agent values.
func (a AgentConfig) Normalize() AgentConfig {
	if a.MaxSteps <= 0 {
		a.MaxSteps = 100
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = 1
	}
	if a.RetryBackoff <= 0 {
		a.RetryBackoff = 3 * time.Second
	}
	if a.MaxDelegationDepth <= 0 {
		a.MaxDelegationDepth = 8
	}
	if strings.TrimSpace(a.TeamFile) == "" {
		a.TeamFile = "team.yaml"
	}
	return a
}

// Validate ensures the loop limits are usable.
func (a AgentConfig) Validate() error {
	if a.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps cannot be negative")
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries cannot be negative")
	}
	if a.MaxDelegationDepth < 0 {
		return fmt.Errorf("agent.max_delegation_depth cannot be negative")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// PostgresConfig contains Postgres connection settings
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

// Enabled reports whether postgres is configured at all.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN builds a connection string from the discrete fields unless URL is set.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
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

// MemoryConfig controls the conversation memory live stream mirror.
type MemoryConfig struct {
	StreamEnabled bool   `mapstructure:"stream_enabled"`
	StreamPrefix  string `mapstructure:"stream_prefix"`
	StreamMaxLen  int64  `mapstructure:"stream_max_len"`
	// Retention keeps a finished conversation cached for late stream readers.
	Retention time.Duration `mapstructure:"retention"`
}

// Normalize applies defaults for unset memory values.
func (m MemoryConfig) Normalize() MemoryConfig {
	if strings.TrimSpace(m.StreamPrefix) == "" {
		m.StreamPrefix = "reasoner:conv:"
	}
	if m.StreamMaxLen <= 0 {
		m.StreamMaxLen = 1000
	}
	if m.Retention <= 0 {
		m.Retention = time.Minute
	}
	return m
}

// KnowledgeConfig declares the knowledge packs served by the retrieval ability.
type KnowledgeConfig struct {
	IndexPath string                `mapstructure:"index_path"` // empty keeps the index in memory
	Packs     []KnowledgePackConfig `mapstructure:"packs"`
	TopK      int                   `mapstructure:"top_k"`
}

// KnowledgePackConfig describes one pack and where its documents come from.
type KnowledgePackConfig struct {
	ID          string `mapstructure:"id"`
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Dir         string `mapstructure:"dir"`
}

// Normalize applies defaults for unset knowledge values.
func (k KnowledgeConfig) Normalize() KnowledgeConfig {
	if k.TopK <= 0 {
		k.TopK = 5
	}
	return k
}

// Validate checks pack identifiers are unique.
func (k KnowledgeConfig) Validate() error {
	seen := make(map[string]struct{}, len(k.Packs))
	for _, p := range k.Packs {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("knowledge.packs[].id required")
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("knowledge pack %q declared twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ToolsConfig holds settings for the built-in tools.
type ToolsConfig struct {
	WebFetch WebFetchConfig `mapstructure:"web_fetch"`
}

// WebFetchConfig configures the headless fetch tool.
type WebFetchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxChars int           `mapstructure:"max_chars"`
}

// Normalize applies defaults for unset tool values.
func (t ToolsConfig) Normalize() ToolsConfig {
	if t.WebFetch.Timeout <= 0 {
		t.WebFetch.Timeout = 30 * time.Second
	}
	if t.WebFetch.MaxChars <= 0 {
		t.WebFetch.MaxChars = 8000
	}
	return t
}

// ScheduleConfig describes a recurring conversation.
type ScheduleConfig struct {
	Name  string `mapstructure:"name"`
	Cron  string `mapstructure:"cron"`
	Agent string `mapstructure:"agent"`
	Query string `mapstructure:"query"`
}

func (s ScheduleConfig) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schedules[].name required")
	}
	if strings.TrimSpace(s.Cron) == "" {
		return fmt.Errorf("schedule %s: cron required", s.Name)
	}
	if strings.TrimSpace(s.Query) == "" {
		return fmt.Errorf("schedule %s: query required", s.Name)
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("agent.max_steps", 100)
	viper.SetDefault("agent.max_retries", 1)
	viper.SetDefault("agent.retry_backoff", "3s")
	viper.SetDefault("agent.max_delegation_depth", 8)
	viper.SetDefault("server.address", ":10001")
	viper.SetDefault("memory.stream_prefix", "reasoner:conv:")
	viper.SetDefault("general.language", "en")

	if path == "" {
		viper.AddConfigPath("./config") // path to look for the config file in
		viper.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("REASONER")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (REASONER_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if err := config.Finalize(); err != nil {
		panic(err)
	}
	return &config
}

// Finalize normalizes every section and validates the result.
func (c *Config) Finalize() error {
	c.Server = c.Server.Normalize()
	c.Agent = c.Agent.Normalize()
	c.Memory = c.Memory.Normalize()
	c.Knowledge = c.Knowledge.Normalize()
	c.Tools = c.Tools.Normalize()

	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Agent.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	if err := c.Knowledge.Validate(); err != nil {
		return err
	}
	for _, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

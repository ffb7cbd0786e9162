package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"vision_workflow/internal/core"
	"vision_workflow/internal/llm"
	"vision_workflow/internal/logger"
	"vision_workflow/pkg"
)

// Config is the whole process configuration, read from the environment
type Config struct {
	LLM      llm.ModelConfig `envconfig:"LLM"`
	Retry    llm.RetryConfig `envconfig:"RETRY"`
	Pipeline PipelineConfig  `envconfig:"PIPELINE"`
	Session  SessionConfig   `envconfig:"SESSION"`
	Redis    RedisConfig     `envconfig:"REDIS"`
	Memory   MemoryConfig    `envconfig:"MEMORY"`
	Trace    TraceConfig     `envconfig:"TRACE"`
	Dataset  DatasetConfig   `envconfig:"DATASET"`
	Server   ServerConfig    `envconfig:"SERVER"`
	Log      logger.Config   `envconfig:"LOG"`

	// Prompts holds per-stage overrides from PIPELINE_PROMPTS_FILE
	Prompts map[string]pkg.Prompt `ignored:"true"`
	// EnvFile is the dotenv file that was loaded, empty if none
	EnvFile string `ignored:"true"`
}

type PipelineConfig struct {
	FanOutPolicy   string `envconfig:"FANOUT_POLICY" default:"partial"` // partial, strict
	RepairAttempts int    `envconfig:"REPAIR_ATTEMPTS" default:"1"`
	HistoryTurns   int    `envconfig:"HISTORY_TURNS" default:"6"`
	MemoryEntries  int    `envconfig:"MEMORY_ENTRIES" default:"3"` // long-term memory snapshots shown to synthesis
	PromptsFile    string `envconfig:"PROMPTS_FILE"`
}

type SessionConfig struct {
	Backend string        `envconfig:"BACKEND" default:"memory"` // memory, redis
	TTL     time.Duration `envconfig:"TTL" default:"0"`          // 0 = never expire
}

type RedisConfig struct {
	URL string `envconfig:"URL"`
}

type MemoryConfig struct {
	Dir string `envconfig:"DIR" default:"data/longterm"`
}

type TraceConfig struct {
	Backend string `envconfig:"BACKEND" default:"file"` // file, redis
	Dir     string `envconfig:"DIR" default:"logs"`
}

type DatasetConfig struct {
	// Root confines the inspect_dataset tool served over HTTP; empty disables it
	Root string `envconfig:"ROOT"`
}

type ServerConfig struct {
	Addr string `envconfig:"ADDR" default:":8000"`
	Mode string `envconfig:"MODE" default:"release"` // gin mode: debug, release, test
}

// provider -> environment variables tried when LLM_API_KEY is empty
var credentialFallbacks = map[string][]string{
	llm.ProviderGemini:     {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	llm.ProviderOpenAI:     {"OPENAI_API_KEY"},
	llm.ProviderOpenRouter: {"OPENROUTER_API_KEY"},
	llm.ProviderDeepSeek:   {"DEEPSEEK_API_KEY"},
	llm.ProviderArk:        {"ARK_API_KEY"},
}

// Load reads dotenv files (".env" when none are given), then the environment,
// then the optional prompts file. It does not validate.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}

	var cfg Config
	loaded := make([]string, 0, len(envFiles))
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("error loading %s: %w", f, err)
		}
		loaded = append(loaded, f)
	}
	cfg.EnvFile = strings.Join(loaded, ",")

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}

	if cfg.LLM.APIKey == "" {
		for _, name := range credentialFallbacks[strings.ToLower(cfg.LLM.Provider)] {
			if v := os.Getenv(name); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}

	if cfg.Pipeline.PromptsFile != "" {
		prompts, err := LoadPrompts(cfg.Pipeline.PromptsFile)
		if err != nil {
			return nil, err
		}
		cfg.Prompts = prompts
	}

	return &cfg, nil
}

// promptsFile is the YAML layout of PIPELINE_PROMPTS_FILE
type promptsFile struct {
	Prompts map[string]pkg.Prompt `yaml:"prompts"`
}

// LoadPrompts reads stage prompt overrides keyed by stage name
func LoadPrompts(path string) (map[string]pkg.Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading prompts file: %w", err)
	}

	var file promptsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &core.ConfigurationError{Component: "config", Message: "invalid prompts file " + path, Err: err}
	}
	return file.Prompts, nil
}

// Validate rejects settings the pipeline cannot start with
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	return c.ValidateLocal()
}

// ValidateLocal checks everything except the model provider, for commands
// that never call it
func (c *Config) ValidateLocal() error {
	invalid := func(format string, args ...any) error {
		return &core.ConfigurationError{Component: "config", Message: fmt.Sprintf(format, args...)}
	}

	switch core.FanOutPolicy(strings.ToLower(c.Pipeline.FanOutPolicy)) {
	case core.PolicyPartial, core.PolicyStrict:
	default:
		return invalid("unknown fan-out policy %q", c.Pipeline.FanOutPolicy)
	}
	if c.Pipeline.RepairAttempts < 0 {
		return invalid("repair attempts cannot be negative")
	}
	if c.Pipeline.HistoryTurns < 0 {
		return invalid("history turns cannot be negative")
	}
	if c.Pipeline.MemoryEntries < 0 {
		return invalid("memory entries cannot be negative")
	}

	switch strings.ToLower(c.Session.Backend) {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return invalid("SESSION_BACKEND=redis requires REDIS_URL")
		}
	default:
		return invalid("unknown session backend %q", c.Session.Backend)
	}

	switch strings.ToLower(c.Trace.Backend) {
	case "file":
		if c.Trace.Dir == "" {
			return invalid("TRACE_DIR cannot be empty")
		}
	case "redis":
		if c.Redis.URL == "" {
			return invalid("TRACE_BACKEND=redis requires REDIS_URL")
		}
	default:
		return invalid("unknown trace backend %q", c.Trace.Backend)
	}
	return nil
}

// FanOutPolicy returns the normalised policy
func (c *Config) FanOutPolicy() core.FanOutPolicy {
	return core.FanOutPolicy(strings.ToLower(c.Pipeline.FanOutPolicy))
}

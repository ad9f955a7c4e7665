package llm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o"
	defaultTimeout = 120 * time.Second

	envAPIKey  = "LLM_API_KEY"
	envBaseURL = "LLM_BASE_URL"
	envModel   = "LLM_MODEL"
)

// Config holds runtime settings for the LLM gateway.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open llm config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from a reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read llm config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal llm config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.parseDurations(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimSpace(os.ExpandEnv(c.BaseURL))
	c.APIKey = strings.TrimSpace(os.ExpandEnv(c.APIKey))
	c.Model = strings.TrimSpace(os.ExpandEnv(c.Model))

	if c.APIKey == "" {
		c.APIKey = os.Getenv(envAPIKey)
	}
	if c.BaseURL == "" {
		c.BaseURL = os.Getenv(envBaseURL)
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Model == "" {
		c.Model = os.Getenv(envModel)
	}
	if c.Model == "" {
		c.Model = defaultModel
	}
	if strings.TrimSpace(c.TimeoutRaw) == "" {
		c.Timeout = defaultTimeout
	}
}

func (c *Config) parseDurations() error {
	if strings.TrimSpace(c.TimeoutRaw) == "" {
		return nil
	}
	d, err := time.ParseDuration(c.TimeoutRaw)
	if err != nil {
		return fmt.Errorf("llm config: invalid timeout %q: %w", c.TimeoutRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("llm config: timeout must be positive, got %s", d)
	}
	c.Timeout = d
	return nil
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("llm config: api_key is required (or set " + envAPIKey + ")")
	}
	if c.Model == "" {
		return errors.New("llm config: model is required")
	}
	return nil
}

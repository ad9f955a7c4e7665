package exchange

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures configuration for one or more exchange providers.
type Config struct {
	Default   string                     `yaml:"default"`
	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes how to construct a specific provider instance.
type ProviderConfig struct {
	Type      string `yaml:"type"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	Testnet   bool   `yaml:"testnet"`

	TimeoutRaw string        `yaml:"timeout"`
	Timeout    time.Duration `yaml:"-"`
}

// ProviderBuilder constructs a Provider from configuration.
type ProviderBuilder func(name string, cfg *ProviderConfig) (Provider, error)

var (
	providerRegistry   = make(map[string]ProviderBuilder)
	providerRegistryMu sync.RWMutex
)

// RegisterProvider associates a builder with a provider type. Concrete
// adapters register themselves from init so importing the package is enough.
func RegisterProvider(typeName string, builder ProviderBuilder) {
	providerRegistryMu.Lock()
	defer providerRegistryMu.Unlock()
	providerRegistry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupProviderBuilder(typeName string) (ProviderBuilder, bool) {
	providerRegistryMu.RLock()
	defer providerRegistryMu.RUnlock()
	builder, ok := providerRegistry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exchange config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read exchange config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal exchange config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Providers == nil {
		c.Providers = make(map[string]*ProviderConfig)
	}
	for name, provider := range c.Providers {
		if provider == nil {
			provider = &ProviderConfig{}
			c.Providers[name] = provider
		}
		provider.expandEnv()
		if err := provider.parseDurations(name); err != nil {
			return err
		}
	}
	c.Default = strings.TrimSpace(c.Default)
	return nil
}

// Validate ensures configuration sanity.
func (c *Config) Validate() error {
	for name, provider := range c.Providers {
		if err := provider.validate(name); err != nil {
			return err
		}
	}
	if c.Default != "" {
		if _, ok := c.Providers[c.Default]; !ok {
			return fmt.Errorf("exchange config: default provider %q is not defined", c.Default)
		}
	}
	return nil
}

// BuildProviders instantiates every configured provider via the registry.
func (c *Config) BuildProviders() (map[string]Provider, error) {
	out := make(map[string]Provider, len(c.Providers))
	for name, pc := range c.Providers {
		builder, ok := lookupProviderBuilder(pc.Type)
		if !ok {
			return nil, fmt.Errorf("exchange config: provider %s: unsupported type %q", name, pc.Type)
		}
		p, err := builder(name, pc)
		if err != nil {
			return nil, fmt.Errorf("exchange config: build provider %s: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}

func (p *ProviderConfig) expandEnv() {
	p.APIKey = strings.TrimSpace(os.ExpandEnv(p.APIKey))
	p.APISecret = strings.TrimSpace(os.ExpandEnv(p.APISecret))
	p.BaseURL = strings.TrimSpace(os.ExpandEnv(p.BaseURL))
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
}

func (p *ProviderConfig) parseDurations(name string) error {
	if strings.TrimSpace(p.TimeoutRaw) == "" {
		p.Timeout = 10 * time.Second
		return nil
	}
	d, err := time.ParseDuration(p.TimeoutRaw)
	if err != nil {
		return fmt.Errorf("exchange config: provider %s: invalid timeout %q: %w", name, p.TimeoutRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("exchange config: provider %s: timeout must be positive", name)
	}
	p.Timeout = d
	return nil
}

func (p *ProviderConfig) validate(name string) error {
	if p.Type == "" {
		return fmt.Errorf("exchange config: provider %s: type is required", name)
	}
	return nil
}

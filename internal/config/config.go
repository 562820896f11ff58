package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Davincible/chat-gateway/internal/providers"
)

const (
	DefaultPort           = 6980
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultHost           = "127.0.0.1"
	DefaultMaxSteps       = 5
	DefaultStoreDriver    = "memory"
	DefaultTokenLimit     = 200000

	// LongContextThreshold is the input size above which router.long_context
	// replaces the requested model.
	LongContextThreshold = 60000
)

var (
	ErrNoProviders = errors.New("no providers configured")
	ErrNoRoute     = errors.New("no provider for model")
)

type Provider struct {
	Name    string   `json:"name" yaml:"name"`
	Kind    string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	APIBase string   `json:"api_base_url,omitempty" yaml:"api_base_url,omitempty"`
	APIKey  string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Models  []string `json:"models,omitempty" yaml:"models,omitempty"`
}

// RouterConfig holds models in "provider,model" form.
type RouterConfig struct {
	Default     string   `json:"default" yaml:"default"`
	LongContext string   `json:"long_context,omitempty" yaml:"long_context,omitempty"`
	Secondaries []string `json:"secondaries,omitempty" yaml:"secondaries,omitempty"`
}

// SelectModel picks the primary model for a request: long inputs go to the
// long context model, then the requested model, then the default.
func (r RouterConfig) SelectModel(requested string, inputTokens int) string {
	switch {
	case inputTokens > LongContextThreshold && r.LongContext != "":
		return r.LongContext
	case requested != "":
		return requested
	default:
		return r.Default
	}
}

type GatewayConfig struct {
	MaxSteps      int    `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	MemoryEnabled bool   `json:"memory_enabled,omitempty" yaml:"memory_enabled,omitempty"`
	BufferLimit   int    `json:"buffer_limit,omitempty" yaml:"buffer_limit,omitempty"`
	BufferKeep    int    `json:"buffer_keep,omitempty" yaml:"buffer_keep,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

type RetryConfig struct {
	MaxAttempts   int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseBackoffMS int `json:"base_backoff_ms,omitempty" yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMS  int `json:"max_backoff_ms,omitempty" yaml:"max_backoff_ms,omitempty"`
}

func (r RetryConfig) BaseBackoff() time.Duration {
	return time.Duration(r.BaseBackoffMS) * time.Millisecond
}

func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMS) * time.Millisecond
}

type GuardrailsConfig struct {
	BlockedPatterns []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"`
}

type StoreConfig struct {
	Driver        string `json:"driver,omitempty" yaml:"driver,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisURL      string `json:"redis_url,omitempty" yaml:"redis_url,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	TokenLimit    int    `json:"token_limit,omitempty" yaml:"token_limit,omitempty"`
	TTLHours      int    `json:"ttl_hours,omitempty" yaml:"ttl_hours,omitempty"`
}

// ToolsConfig points at a remote tool service and declares the tools it
// serves to the model.
type ToolsConfig struct {
	Endpoint    string           `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Definitions []providers.Tool `json:"definitions,omitempty" yaml:"definitions,omitempty"`
}

type Config struct {
	Host       string           `json:"host,omitempty" yaml:"host,omitempty"`
	Port       int              `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey     string           `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Providers  []Provider       `json:"providers" yaml:"providers"`
	Router     RouterConfig     `json:"router" yaml:"router"`
	Gateway    GatewayConfig    `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Retry      RetryConfig      `json:"retry,omitempty" yaml:"retry,omitempty"`
	Guardrails GuardrailsConfig `json:"guardrails,omitempty" yaml:"guardrails,omitempty"`
	Store      StoreConfig      `json:"store,omitempty" yaml:"store,omitempty"`
	Tools      ToolsConfig      `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// Default returns a config with every default applied and no providers.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Gateway.MaxSteps == 0 {
		c.Gateway.MaxSteps = DefaultMaxSteps
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Store.TokenLimit == 0 {
		c.Store.TokenLimit = DefaultTokenLimit
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Kind == "" {
			p.Kind = string(kindFor(p.Name))
		}
	}
}

// kindFor guesses the wire format from well known provider names.
func kindFor(name string) providers.Kind {
	switch strings.ToLower(name) {
	case "anthropic":
		return providers.KindAnthropic
	case "gemini", "google":
		return providers.KindGemini
	case "bedrock":
		return providers.KindBedrock
	case "ollama", "local":
		return providers.KindLocal
	default:
		return providers.KindOpenAI
	}
}

// Validate reports configuration errors that would make every request fail.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return ErrNoProviders
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return errors.New("provider without name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		seen[p.Name] = true

		switch providers.Kind(p.Kind) {
		case providers.KindOpenAI, providers.KindAnthropic, providers.KindGemini, providers.KindBedrock, providers.KindLocal:
		default:
			return fmt.Errorf("provider %q: %w: %q", p.Name, providers.ErrUnknownKind, p.Kind)
		}
		if providers.Kind(p.Kind) == providers.KindBedrock && p.APIBase == "" {
			return fmt.Errorf("provider %q: api_base_url is required for bedrock", p.Name)
		}
	}

	if c.Router.Default == "" {
		return errors.New("router.default is required")
	}
	routes := append([]string{c.Router.Default}, c.Router.Secondaries...)
	if c.Router.LongContext != "" {
		routes = append(routes, c.Router.LongContext)
	}
	for _, route := range routes {
		if _, _, err := c.Route(route); err != nil {
			return err
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.RedisAddr == "" && c.Store.RedisURL == "" {
			return errors.New("store.redis_addr or store.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	return nil
}

// Route resolves a "provider,model" or bare model name to a configured
// provider. A bare model goes to the first provider listing it, then to the
// first provider.
func (c *Config) Route(spec string) (Provider, string, error) {
	name, model := providers.ExtractModelFromConfig(spec)
	if model == "" {
		return Provider{}, "", fmt.Errorf("%w: empty model", ErrNoRoute)
	}

	if name != "" {
		for _, p := range c.Providers {
			if p.Name == name {
				return p, model, nil
			}
		}
		return Provider{}, "", fmt.Errorf("%w: provider %q not configured", ErrNoRoute, name)
	}

	for _, p := range c.Providers {
		if slices.Contains(p.Models, model) {
			return p, model, nil
		}
	}
	if len(c.Providers) > 0 {
		return c.Providers[0], model, nil
	}

	return Provider{}, "", fmt.Errorf("%w: %q", ErrNoRoute, model)
}

type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

func (m *Manager) jsonPath() string { return filepath.Join(m.baseDir, DefaultConfigFilename) }
func (m *Manager) yamlPath() string { return filepath.Join(m.baseDir, DefaultYAMLFilename) }

// Load reads config.yaml, falling back to config.json. ${VAR} references are
// expanded from the environment before parsing.
func (m *Manager) Load() (*Config, error) {
	path := m.GetPath()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", filepath.Base(path), err)
	}

	cfg.applyDefaults()

	m.configValue.Store(&cfg)
	return &cfg, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg in the format of the file in use, YAML for a new one.
func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	path := m.GetPath()

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// the file may hold API keys
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

// GetPath returns the config file in use: YAML when present, then JSON, and
// the YAML path when neither exists.
func (m *Manager) GetPath() string {
	if fileExists(m.yamlPath()) {
		return m.yamlPath()
	}
	if fileExists(m.jsonPath()) {
		return m.jsonPath()
	}

	return m.yamlPath()
}

func (m *Manager) Exists() bool {
	return fileExists(m.yamlPath()) || fileExists(m.jsonPath())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// Example is the starting config written by "cgw config init". Keys are
// environment references so the file can be committed.
func Example() *Config {
	cfg := &Config{
		APIKey: "${CGW_API_KEY}",
		Providers: []Provider{
			{Name: "openai", Kind: string(providers.KindOpenAI), APIKey: "${OPENAI_API_KEY}", Models: []string{"gpt-4o", "gpt-4o-mini"}},
			{Name: "anthropic", Kind: string(providers.KindAnthropic), APIKey: "${ANTHROPIC_API_KEY}", Models: []string{"claude-sonnet-4-20250514"}},
			{Name: "gemini", Kind: string(providers.KindGemini), APIKey: "${GEMINI_API_KEY}", Models: []string{"gemini-2.0-flash"}},
			{Name: "ollama", Kind: string(providers.KindLocal), APIBase: "http://localhost:11434/api/chat", Models: []string{"llama3.1"}},
		},
		Router: RouterConfig{Default: "openai,gpt-4o"},
		Retry:  RetryConfig{MaxAttempts: 3, BaseBackoffMS: 300, MaxBackoffMS: 5000},
	}
	cfg.applyDefaults()

	return cfg
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/chat-gateway/internal/providers"
)

func testConfig() *Config {
	return &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []Provider{
			{Name: "openrouter", APIBase: "https://openrouter.ai/api/v1/chat/completions", APIKey: "test-provider-key", Models: []string{"anthropic/claude-3.5-sonnet"}},
			{Name: "anthropic", APIKey: "ak", Models: []string{"claude-sonnet-4"}},
		},
		Router: RouterConfig{
			Default:     "openrouter,anthropic/claude-3.5-sonnet",
			Secondaries: []string{"claude-sonnet-4"},
		},
		Gateway: GatewayConfig{MaxSteps: 3, MemoryEnabled: true},
		Retry:   RetryConfig{MaxAttempts: 4, BaseBackoffMS: 100, MaxBackoffMS: 2000},
	}
}

func TestConfig_LoadAndSave(t *testing.T) {
	manager := NewManager(t.TempDir())
	cfg := testConfig()

	require.NoError(t, manager.Save(cfg))
	assert.True(t, manager.Exists())
	assert.Equal(t, DefaultYAMLFilename, filepath.Base(manager.GetPath()))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, cfg.Host, loaded.Host)
	assert.Equal(t, cfg.Port, loaded.Port)
	assert.Equal(t, cfg.APIKey, loaded.APIKey)
	require.Len(t, loaded.Providers, 2)
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", loaded.Providers[0].APIBase)
	assert.Equal(t, string(providers.KindAnthropic), loaded.Providers[1].Kind)
	assert.Equal(t, cfg.Router, loaded.Router)
	assert.Equal(t, 3, loaded.Gateway.MaxSteps)
	assert.True(t, loaded.Gateway.MemoryEnabled)
	assert.Equal(t, 4, loaded.Retry.MaxAttempts)
	assert.Equal(t, "100ms", loaded.Retry.BaseBackoff().String())
	assert.Equal(t, "2s", loaded.Retry.MaxBackoff().String())
}

func TestConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"providers":[{"name":"test","api_base_url":"http://example.com","models":["model"]}],"router":{"default":"test,model"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFilename), []byte(raw), 0o644))

	cfg, err := NewManager(dir).Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultMaxSteps, cfg.Gateway.MaxSteps)
	assert.Equal(t, DefaultStoreDriver, cfg.Store.Driver)
	assert.Equal(t, DefaultTokenLimit, cfg.Store.TokenLimit)
	assert.Equal(t, string(providers.KindOpenAI), cfg.Providers[0].Kind)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_YAMLTakesPrecedence(t *testing.T) {
	dir := t.TempDir()

	jsonConfig := `{"host":"127.0.0.1","port":6970,"providers":[{"name":"openai","api_key":"json-key"}]}`
	yamlConfig := `
host: "0.0.0.0"
port: 8080
providers:
  - name: "openrouter"
    api_key: "yaml-key"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFilename), []byte(jsonConfig), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultYAMLFilename), []byte(yamlConfig), 0o644))

	cfg, err := NewManager(dir).Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "openrouter", cfg.Providers[0].Name)
	assert.Equal(t, "yaml-key", cfg.Providers[0].APIKey)
}

func TestConfig_SaveKeepsJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFilename), []byte(`{"providers":[]}`), 0o644))

	manager := NewManager(dir)
	require.NoError(t, manager.Save(testConfig()))

	assert.Equal(t, DefaultConfigFilename, filepath.Base(manager.GetPath()))
	assert.NoFileExists(t, filepath.Join(dir, DefaultYAMLFilename))

	cfg, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, cfg.Providers, 2)
}

func TestConfig_ExpandsEnvironment(t *testing.T) {
	t.Setenv("CGW_TEST_OPENAI_KEY", "sk-from-env")

	dir := t.TempDir()
	yamlConfig := `
providers:
  - name: openai
    api_key: ${CGW_TEST_OPENAI_KEY}
router:
  default: openai,gpt-4o
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultYAMLFilename), []byte(yamlConfig), 0o644))

	cfg, err := NewManager(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
}

func TestConfig_InvalidFiles(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
	}{
		{"invalid json", DefaultConfigFilename, "invalid json"},
		{"invalid yaml", DefaultYAMLFilename, "providers: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, tt.filename), []byte(tt.content), 0o644))

			_, err := NewManager(dir).Load()
			assert.Error(t, err)
		})
	}
}

func TestConfig_MissingFile(t *testing.T) {
	manager := NewManager(t.TempDir())

	_, err := manager.Load()
	assert.Error(t, err)
	assert.False(t, manager.Exists())

	cfg := manager.Get()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "no providers"},
		{"duplicate provider", func(c *Config) { c.Providers[1].Name = "openrouter" }, "duplicate provider"},
		{"unknown kind", func(c *Config) { c.Providers[0].Kind = "soap" }, "unknown provider kind"},
		{"bedrock without base", func(c *Config) { c.Providers[1].Kind = "bedrock" }, "api_base_url is required"},
		{"no default route", func(c *Config) { c.Router.Default = "" }, "router.default"},
		{"route to missing provider", func(c *Config) { c.Router.Default = "mistral,large" }, "not configured"},
		{"redis without address", func(c *Config) { c.Store.Driver = "redis" }, "redis_addr"},
		{"unknown store", func(c *Config) { c.Store.Driver = "sqlite" }, "unknown store driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.applyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Route(t *testing.T) {
	cfg := testConfig()

	p, model, err := cfg.Route("openrouter,anthropic/claude-3.5-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Name)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", model)

	p, model, err = cfg.Route("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name)
	assert.Equal(t, "claude-sonnet-4", model)

	p, _, err = cfg.Route("unlisted-model")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Name, "bare unknown models go to the first provider")

	_, _, err = cfg.Route("nope,model")
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestExample_IsValid(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(dir)

	require.NoError(t, manager.Save(Example()))

	cfg, err := manager.Load()
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Providers, 4)
}

func TestRouterConfig_SelectModel(t *testing.T) {
	r := RouterConfig{Default: "openai,gpt-4o", LongContext: "gemini,gemini-2.0-flash"}

	assert.Equal(t, "openai,gpt-4o", r.SelectModel("", 10))
	assert.Equal(t, "anthropic,claude", r.SelectModel("anthropic,claude", 10))
	assert.Equal(t, "gemini,gemini-2.0-flash", r.SelectModel("anthropic,claude", LongContextThreshold+1))

	r.LongContext = ""
	assert.Equal(t, "anthropic,claude", r.SelectModel("anthropic,claude", LongContextThreshold+1))
}

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/chat-gateway/internal/config"
	"github.com/Davincible/chat-gateway/internal/providers"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the chat gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	Long:  `Initialize configuration by prompting for one provider, or write an example with --example.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().Bool("example", false, "write an example config referencing environment variables")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing configuration")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if cfgMgr.Exists() && !force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", cfgMgr.GetPath())
	}

	cfg := config.Example()
	if example, _ := cmd.Flags().GetBool("example"); !example {
		cfg = promptForConfig(bufio.NewReader(os.Stdin))
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved to: %s", cfgMgr.GetPath())
	color.Cyan("Start the gateway with: cgw start")

	return nil
}

func promptForConfig(reader *bufio.Reader) *config.Config {
	color.Blue("Chat Gateway Configuration Setup")
	color.Yellow("Follow the prompts to configure your first provider.")

	ask := func(label string) string {
		fmt.Print(label)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	name := ask("\nProvider Name (e.g. openai, anthropic, openrouter): ")
	kind := ask("Provider Kind [openai|anthropic|gemini|bedrock|local] (empty to guess): ")
	apiKey := ask("API Key (or ${ENV_VAR}): ")
	baseURL := ask("API Base URL (empty for the provider default): ")
	model := ask("Default Model: ")
	gatewayKey := ask("Gateway API Key (optional, for client authentication): ")

	return &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: gatewayKey,
		Providers: []config.Provider{
			{Name: name, Kind: kind, APIBase: baseURL, APIKey: apiKey, Models: []string{model}},
		},
		Router: config.RouterConfig{Default: name + "," + model},
	}
}

func runConfigShow(*cobra.Command, []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'cgw config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, p := range cfg.Providers {
		fmt.Printf("  - Name: %s (%s)\n", p.Name, p.Kind)
		if p.APIBase != "" {
			fmt.Printf("    API Base: %s\n", p.APIBase)
		}
		fmt.Printf("    API Key: %s\n", maskString(p.APIKey))
		fmt.Printf("    Models: %v\n", p.Models)
	}

	fmt.Println("\nRouter:")
	fmt.Printf("  %-15s: %s\n", "Default", cfg.Router.Default)
	if cfg.Router.LongContext != "" {
		fmt.Printf("  %-15s: %s\n", "Long Context", cfg.Router.LongContext)
	}
	if len(cfg.Router.Secondaries) > 0 {
		fmt.Printf("  %-15s: %s\n", "Secondaries", strings.Join(cfg.Router.Secondaries, ", "))
	}

	fmt.Println("\nGateway:")
	fmt.Printf("  %-15s: %d\n", "Max Steps", cfg.Gateway.MaxSteps)
	fmt.Printf("  %-15s: %v\n", "Memory", cfg.Gateway.MemoryEnabled)
	fmt.Printf("  %-15s: %d\n", "Guardrails", len(cfg.Guardrails.BlockedPatterns))
	fmt.Printf("  %-15s: %s\n", "Store", cfg.Store.Driver)
	if cfg.Tools.Endpoint != "" {
		fmt.Printf("  %-15s: %s (%d tools)\n", "Tool Service", cfg.Tools.Endpoint, len(cfg.Tools.Definitions))
	}

	return nil
}

func runConfigValidate(*cobra.Command, []string) error {
	if !cfgMgr.Exists() {
		return errors.New("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)
		return errors.New("configuration validation failed")
	}

	for _, w := range configWarnings(cfg) {
		color.Yellow("  warning: %s", w)
	}

	color.Green("Configuration is valid!")
	return nil
}

// configWarnings flags settings that load fine but will likely fail upstream.
func configWarnings(cfg *config.Config) []string {
	known := providers.NewRegistry()
	known.Initialize()

	var warnings []string
	for _, p := range cfg.Providers {
		if p.APIKey == "" && providers.Kind(p.Kind) != providers.KindLocal {
			warnings = append(warnings, fmt.Sprintf("provider %q has no API key", p.Name))
		}
		if p.APIBase == "" {
			continue
		}
		if providers.Kind(p.Kind) == providers.KindBedrock && isBedrockRuntime(p.APIBase) {
			warnings = append(warnings, fmt.Sprintf("provider %q points at the Bedrock runtime, which streams AWS event-stream frames; use an SSE or NDJSON access gateway", p.Name))
			continue
		}
		detected, err := known.GetByDomain(p.APIBase)
		if err == nil && detected.Kind() != providers.Kind(p.Kind) {
			warnings = append(warnings, fmt.Sprintf("provider %q is %s but %s serves the %s format", p.Name, p.Kind, p.APIBase, detected.Kind()))
		}
	}

	return warnings
}

func isBedrockRuntime(apiBase string) bool {
	u, err := url.Parse(apiBase)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())

	return strings.HasPrefix(host, "bedrock-runtime.") && strings.HasSuffix(host, ".amazonaws.com")
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

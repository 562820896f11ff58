package cmd

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Davincible/chat-gateway/internal/config"
)

const (
	AppName = "chat-gateway"
	Version = "0.3.0"

	// HomeEnv overrides the state directory.
	HomeEnv = "CGW_HOME"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	baseDir = os.Getenv(HomeEnv)
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Error("Failed to get home directory", "error", err)
			os.Exit(1)
		}
		baseDir = filepath.Join(homeDir, "."+AppName)
	}
	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:               "cgw",
	Short:             "Chat Gateway - streaming gateway for chat models",
	Long:              `A gateway that streams chat completions from OpenAI, Anthropic, Gemini, Bedrock and local models through one event protocol, with tool loops, multi-model answers and persisted conversations.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadEnv,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().String("log-file", "", "also write logs to this file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(configCmd)
}

// loadEnv reads .env from the working directory and the state directory so
// ${VAR} references in the config resolve. Existing variables win.
func loadEnv(*cobra.Command, []string) error {
	for _, path := range []string{".env", filepath.Join(baseDir, ".env")} {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	return nil
}

// setupLogging returns a cleanup for the log file, if any.
func setupLogging(verbose bool, logFile string) (func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if logFile == "" {
		logger = slog.New(slog.NewTextHandler(os.Stdout, opts))
		return func() {}, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	logger = slog.New(slog.NewJSONHandler(f, opts))

	return func() { _ = f.Close() }, nil
}

func ensureConfigExists() error {
	if !cfgMgr.Exists() {
		color.Yellow("Configuration not found in %s", baseDir)
		color.Cyan("Run 'cgw config init' to create one")
		return errors.New("configuration required")
	}
	return nil
}

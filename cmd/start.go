package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/chat-gateway/internal/process"
	"github.com/Davincible/chat-gateway/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long:  `Start the chat gateway in the foreground.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logFile, _ := cmd.Flags().GetString("log-file")
	closeLog, err := setupLogging(verbose, logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting gateway",
		"host", cfg.Host,
		"port", cfg.Port,
		"providers", len(cfg.Providers),
		"store", cfg.Store.Driver,
		"max_steps", cfg.Gateway.MaxSteps,
	)

	procMgr := process.NewManager(baseDir, logger)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	return server.New(cfgMgr, logger).Start()
}

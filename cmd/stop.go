package cmd

import (
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/chat-gateway/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the gateway",
	Long:  `Stop the running chat gateway.`,
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for in-flight streams")
}

func runStop(cmd *cobra.Command, _ []string) error {
	color.Yellow("Stopping %s...", AppName)

	procMgr := process.NewManager(baseDir, logger)
	if !procMgr.IsRunning() {
		color.Yellow("Gateway is not running")
		return nil
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if err := procMgr.Stop(timeout); err != nil {
		return err
	}
	procMgr.CleanupRef()

	color.Green("Gateway stopped")
	return nil
}

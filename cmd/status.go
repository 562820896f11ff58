package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/chat-gateway/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status",
	Long:  `Display the current status of the chat gateway.`,
	Run:   runStatus,
}

func runStatus(*cobra.Command, []string) {
	procMgr := process.NewManager(baseDir, logger)
	cfg := cfgMgr.Get()

	running := procMgr.IsRunning()
	healthy := running && checkHealth(gatewayURL(cfg.Host, cfg.Port))

	color.Blue("Status for %s:", AppName)
	fmt.Printf("  %-15s: %v\n", "Running", running)
	fmt.Printf("  %-15s: %v\n", "Healthy", healthy)
	fmt.Printf("  %-15s: %d\n", "PID", procMgr.ReadPID())
	fmt.Printf("  %-15s: %s\n", "Endpoint", gatewayURL(cfg.Host, cfg.Port)+"/v1/chat/completions")
	fmt.Printf("  %-15s: %d\n", "Providers", len(cfg.Providers))
	fmt.Printf("  %-15s: %s\n", "Default Model", cfg.Router.Default)
	fmt.Printf("  %-15s: %s\n", "Store", cfg.Store.Driver)
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())
	fmt.Printf("  %-15s: %d\n", "Chat Sessions", procMgr.ReadRef())
	fmt.Printf("  %-15s: v%s\n", "Version", Version)
}

func gatewayURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}

func checkHealth(base string) bool {
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(base + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

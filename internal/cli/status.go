package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandclaw/sandclaw/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ sandclaw Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 sandclaw Status")
		fmt.Printf("Version: %s\n", version)

		configPath := config.ConfigPath()
		if _, err := os.Stat(configPath); err == nil {
			fmt.Println("Config:  ✓ Found (" + configPath + ")")
		} else {
			fmt.Println("Config:  ✗ Not found (defaults in effect)")
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ? Unable to load: %v\n", err)
			return
		}
		if !cfg.Gateway.Enabled {
			fmt.Println("Gateway: ✗ Disabled")
			return
		}

		health, err := fetchHealth(cfg.Gateway.Listen)
		if err != nil {
			fmt.Printf("Daemon:  ✗ Not reachable at %s (%v)\n", cfg.Gateway.Listen, err)
			return
		}
		fmt.Println("Daemon:  ✓ Running")
		fmt.Printf("Uptime:  %ds\n", health.UptimeSeconds)
		fmt.Printf("Runs:    %d active, %d queued\n", health.QueueActive, health.QueuePending)
		for name, up := range health.Adapters {
			mark := "✗"
			if up {
				mark = "✓"
			}
			fmt.Printf("Adapter: %s %s\n", mark, name)
		}
	},
}

type healthPayload struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	QueueActive   int             `json:"queue_active"`
	QueuePending  int             `json:"queue_pending"`
	SandboxActive int             `json:"sandbox_active"`
	Adapters      map[string]bool `json:"adapters"`
}

func fetchHealth(listen string) (*healthPayload, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + listen + "/api/v1/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var health healthPayload
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AInTandem/agentbus/internal/config"
)

var statusURL string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running agentbus instance",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusURL, "url", "", "Bus base URL (default http://localhost:<configured port>)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := statusURL
	if base == "" {
		cfg, err := config.Load("")
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		base = fmt.Sprintf("http://localhost:%d", cfg.Gateway.Port)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		fmt.Printf("🚌 agentbus @ %s\n\n", base)
		fmt.Printf("Status: unreachable (%v)\n", err)
		return nil
	}
	defer resp.Body.Close()

	var snap struct {
		Status  string `json:"status"`
		Latency struct {
			Avg float64 `json:"avg"`
			Min float64 `json:"min"`
			Max float64 `json:"max"`
		} `json:"latency"`
		LastError string `json:"lastError"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Printf("🚌 agentbus @ %s\n\n", base)
	icon := "✅"
	switch snap.Status {
	case "degraded":
		icon = "⚠️"
	case "unhealthy":
		icon = "❌"
	}
	fmt.Printf("Status: %s %s\n", icon, snap.Status)
	fmt.Printf("Latency: avg=%.1fms min=%.1fms max=%.1fms\n", snap.Latency.Avg, snap.Latency.Min, snap.Latency.Max)
	if snap.LastError != "" {
		fmt.Printf("Last error: %s\n", snap.LastError)
	}
	return nil
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/corestream/pkg/metrics"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the health and readiness of a running corestream instance",
	Long: `status fetches /health and /ready from a running "corestream serve"
instance's metrics endpoint and prints the component-level status
(consensus, blob, txn, compute).`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP address of the running instance")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	client := &http.Client{Timeout: 5 * time.Second}

	health, err := fetchHealth(client, metricsAddr, "/health")
	if err != nil {
		return fmt.Errorf("fetch health: %w", err)
	}
	ready, err := fetchHealth(client, metricsAddr, "/ready")
	if err != nil {
		return fmt.Errorf("fetch readiness: %w", err)
	}

	fmt.Printf("corestream status (%s)\n", metricsAddr)
	fmt.Printf("  version:  %s\n", health.Version)
	fmt.Printf("  uptime:   %s\n", health.Uptime)
	fmt.Printf("  health:   %s\n", health.Status)
	fmt.Printf("  ready:    %s\n", ready.Status)
	if ready.Message != "" {
		fmt.Printf("            %s\n", ready.Message)
	}
	fmt.Println()
	fmt.Println("Components:")
	for name, state := range health.Components {
		fmt.Printf("  %-10s %s\n", name, state)
	}
	return nil
}

func fetchHealth(client *http.Client, addr, path string) (*metrics.HealthStatus, error) {
	resp, err := client.Get("http://" + addr + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status metrics.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &status, nil
}

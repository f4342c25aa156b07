package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"dayfeed/internal/config"
	"dayfeed/internal/feed"
)

var (
	noColor    bool
	configFlag string
)

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	return config.DefaultPath()
}

var rootCmd = &cobra.Command{
	Use:           "dayfeed",
	Short:         "Offline-first daily content cache",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "path to config file")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(currentCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(interactCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(maintainCmd)
}

// --- current ---

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the current content item",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/feed/current")
		if err != nil {
			return err
		}

		var item feed.ContentItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(item)
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show cached history entries, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/v1/feed/history"
		if limit > 0 {
			path = fmt.Sprintf("%s?limit=%d", path, limit)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var entries []feed.HistoryEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("no history")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("  %s  %s  (%d bytes)\n",
				e.Item.ContentDate.Format("2006-01-02"), e.Item.ID, len(e.Item.Payload))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 0, "maximum entries to show")
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a content refresh from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/feed/refresh", nil)
		if err != nil {
			return err
		}

		var result struct {
			Status  string            `json:"status"`
			Content *feed.ContentItem `json:"content"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Content != nil {
			printSuccess("Refreshed: %s (%s)", result.Content.ID,
				result.Content.ContentDate.Format("2006-01-02"))
		} else {
			printSuccess("Refreshed")
		}
		return nil
	},
}

// --- interact ---

var interactCmd = &cobra.Command{
	Use:   "interact <json-payload>",
	Short: "Queue an interaction for sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := json.RawMessage(args[0])
		if !json.Valid(payload) {
			return fmt.Errorf("payload must be valid JSON")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/interactions", map[string]any{
			"payload": payload,
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued interaction %s", result["id"])
		return nil
	},
}

// --- drain ---

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Drain the pending sync queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/queue/drain", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queue drained")
		return nil
	},
}

// --- maintain ---

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run a maintenance cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/maintenance/run", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Maintenance completed")
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status and diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			printStatus("Server", "stopped")
			printStatus("Data dir", "%s", cfg.Storage.DataDir)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/v1/status")
		if err != nil {
			printStatus("Server", "stopped")
			printStatus("Data dir", "%s", cfg.Storage.DataDir)
			return nil
		}

		var status struct {
			State string `json:"state"`
			Epoch int64  `json:"epoch"`
			Init  struct {
				Strategy string        `json:"strategy"`
				Duration time.Duration `json:"duration"`
			} `json:"init"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("State", "%s", status.State)
		printStatus("Strategy", "%s", status.Init.Strategy)
		printStatus("Epoch", "%d", status.Epoch)

		if hresp, err := client.get(cmd.Context(), "/v1/diagnostics/health"); err == nil {
			var health struct {
				Status string  `json:"status"`
				Score  float64 `json:"score"`
			}
			if decodeJSON(hresp, &health) == nil {
				printStatus("Health", "%s (score %.0f)", health.Status, health.Score)
			}
		}
		if sresp, err := client.get(cmd.Context(), "/v1/diagnostics/stats"); err == nil {
			var stats struct {
				Hits       uint64 `json:"hits"`
				Misses     uint64 `json:"misses"`
				QueueDepth int    `json:"queue_depth"`
			}
			if decodeJSON(sresp, &stats) == nil {
				printStatus("Cache", "%d hits / %d misses", stats.Hits, stats.Misses)
				printStatus("Queue", "%d pending", stats.QueueDepth)
			}
		}

		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/wabridge/internal/config"
	"github.com/KafClaw/wabridge/internal/credstore"
)

var statusURL string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("🏷️ wabridge Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, stored sessions and the running bridge",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 wabridge Status")
		fmt.Printf("Version: %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Println("Config:  ✓ Found (" + path + ")")
			} else {
				fmt.Println("Config:  ✗ Not found, using defaults (run 'wabridge config init')")
			}
		}
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config:  ✗ %v\n", err)
			return
		}

		store, err := credstore.New(cfg.Credentials, nil)
		if err != nil {
			fmt.Printf("Sessions: ✗ %v\n", err)
		} else {
			ids, _ := store.List()
			fmt.Printf("Sessions: %d stored in %s\n", len(ids), cfg.Credentials.DataDir)
			for _, id := range ids {
				fmt.Printf("  • %s\n", id)
			}
		}

		url := statusURL
		if url == "" {
			url = fmt.Sprintf("http://localhost:%d", cfg.Gateway.Port)
		}
		printLive(url, cfg.Gateway.AuthToken)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", "", "Base URL of a running bridge (default from gateway.port)")
}

type liveStatus struct {
	Connected  bool `json:"connected"`
	Connecting bool `json:"connecting"`
	User       *struct {
		Phone string `json:"phone"`
		Name  string `json:"name"`
	} `json:"user"`
}

func printLive(base, token string) {
	req, err := http.NewRequest(http.MethodGet, base+"/status", nil)
	if err != nil {
		fmt.Printf("Bridge:  ✗ %v\n", err)
		return
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := (&http.Client{Timeout: 3 * time.Second}).Do(req)
	if err != nil {
		fmt.Println("Bridge:  ✗ Not running at " + base)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("Bridge:  ✗ %s returned %d\n", base, resp.StatusCode)
		return
	}
	var instances map[string]liveStatus
	if err := json.NewDecoder(resp.Body).Decode(&instances); err != nil {
		fmt.Printf("Bridge:  ✗ decode status: %v\n", err)
		return
	}
	fmt.Printf("Bridge:  ✓ Running at %s (%d instances)\n", base, len(instances))
	ids := make([]string, 0, len(instances))
	for id := range instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := instances[id]
		switch {
		case st.Connected && st.User != nil:
			fmt.Printf("  ✅ %s  %s (%s)\n", id, st.User.Phone, st.User.Name)
		case st.Connected:
			fmt.Printf("  ✅ %s\n", id)
		case st.Connecting:
			fmt.Printf("  ⏳ %s  connecting\n", id)
		default:
			fmt.Printf("  ⭕ %s  disconnected\n", id)
		}
	}
}

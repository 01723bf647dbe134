package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/KafClaw/chatrun/internal/config"
	"github.com/KafClaw/chatrun/internal/store"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chatrun %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and store status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("📊 chatrun Status")
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Version: %s\n", version)

		if path, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Config:  ✓ Found ("+path+")")
			} else {
				fmt.Fprintln(out, "Config:  ✗ Not found, using defaults and environment ("+path+")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(out, "Config:  ✗ Unable to load (%v)\n", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(out, "Config:  ✗ Invalid (%v)\n", err)
		}

		if st, err := store.Open(cfg.Store.Driver, cfg.Store.Path); err == nil {
			fmt.Fprintf(out, "Store:   ✓ %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
			st.Close()
		} else {
			fmt.Fprintf(out, "Store:   ✗ %v\n", err)
		}

		switch cfg.Queue.Backend {
		case config.QueueMemory:
			fmt.Fprintln(out, "Queue:   memory (embedded worker only)")
		default:
			fmt.Fprintf(out, "Queue:   kafka %s topic=%s group=%s\n", cfg.Queue.Brokers, cfg.Queue.Topic, cfg.Queue.GroupID)
		}

		if cfg.Provider.APIKey != "" {
			fmt.Fprintf(out, "API Key: ✓ Found (%s)\n", cfg.Provider.Kind)
		} else {
			fmt.Fprintln(out, "API Key: ✗ Not found, replies will echo the input")
		}

		if cfg.Integration.URL != "" {
			fmt.Fprintln(out, "Delivery: ✓ "+cfg.Integration.URL)
		} else {
			fmt.Fprintln(out, "Delivery: ✗ Disabled")
		}
	},
}

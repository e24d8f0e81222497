// Command synckit manages a device's offline sync queue: it captures
// queued actions, drains them against the shared store, and gives
// operators tooling for conflicted and failed actions.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "synckit",
	Short: "Offline-first sync queue for care-home devices",
	Long: `synckit is the synchronization core for offline-capable devices.

User actions are captured into a durable local queue (works fully
offline), then drained against the shared server store with per-entity
leases and optimistic version checks. Conflicts and exhausted retries
are never dropped silently; they surface here for operator review.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./synckit.yaml)")
	rootCmd.PersistentFlags().String("queue-db", ".synckit/queue.db", "path to the local action queue database")
	rootCmd.PersistentFlags().String("shared-db", ".synckit/shared.db", "path to the shared server store")

	_ = viper.BindPFlag("queue_db", rootCmd.PersistentFlags().Lookup("queue-db"))
	_ = viper.BindPFlag("shared_db", rootCmd.PersistentFlags().Lookup("shared-db"))

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(submitCmd)
}

// initConfig reads synckit.yaml and the environment.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("synckit")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.synckit")
	}

	viper.SetEnvPrefix("SYNCKIT")
	viper.AutomaticEnv()

	viper.SetDefault("holder_id", "")
	viper.SetDefault("lease_ttl", 30*time.Second)
	viper.SetDefault("max_retries", 3)
	viper.SetDefault("retry_base_delay", 5*time.Second)
	viper.SetDefault("retry_max_delay", time.Minute)
	viper.SetDefault("drain_interval", 30*time.Second)
	viper.SetDefault("probe_addr", "")
	viper.SetDefault("probe_interval", 5*time.Second)
	viper.SetDefault("apply_endpoint", "")
	viper.SetDefault("dashboard_port", 8377)
	viper.SetDefault("log_file", "")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config: %s\n", viper.ConfigFileUsed())
	}
}

// Command relayd runs the relay gateway and manages its account pool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ineyio/relaycore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Multi-account AI API relay",
		Long:  "relayd relays caller requests through a pool of upstream accounts with shared scheduling, token refresh and streaming usage capture.",
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.PersistentFlags().StringVar(&opts.configPath, "config", "relayd.yaml", "Config file path")
	root.PersistentFlags().StringVar(&opts.logLevel, "loglevel", "", "Override log_level from config (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts), newAccountsCmd(opts))
	return root
}

// loadConfig reads the config and applies flag overrides.
func (o *rootOptions) loadConfig() (relaycore.Config, error) {
	cfg, err := relaycore.LoadConfig(o.configPath)
	if err != nil {
		return relaycore.Config{}, err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	return cfg, nil
}

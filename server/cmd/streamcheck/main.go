// Command streamcheck runs one stream check from the command line.
//
//	streamcheck check http://radio.example/live --phase 2
//	streamcheck check http://radio.example/live --tests connectivity,ad_detection --ad-duration 30 --json
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "streamcheck",
	Short:        "Diagnose internet radio streams",
	Long:         "streamcheck probes an audio stream for connectivity, player compatibility, audio content and ad interruptions, and scores its health.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/streamcheck/config.yaml when present)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "orchestratord",
	Short:   "Governed orchestration backbone for autonomous coding agents",
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ORCH_ environment variables only)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

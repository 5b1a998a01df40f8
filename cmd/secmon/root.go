package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/secmon/internal/config"
)

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "secmon",
		Short: "Security event monitoring and threat detection",
		Long: `secmon ingests security events, scores them, keeps a decaying risk ledger
per actor and runs threat rules that alert, block or escalate.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")

	load := func() (*config.Config, error) {
		if cfgFile == "" {
			cfg := config.DefaultConfig()
			return cfg, cfg.Validate()
		}
		return config.Load(cfgFile)
	}

	root.AddCommand(newServeCmd(load), newRulesCmd(load), newVersionCmd())
	return root
}

type configLoader func() (*config.Config, error)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "secmon %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}

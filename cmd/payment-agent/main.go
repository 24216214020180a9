package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/CardFlight/payment-agent/internal/api"
	"github.com/CardFlight/payment-agent/internal/config"
)

type rootFlags struct {
	configFile string
	simulate   bool
	noTray     bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "payment-agent",
		Short: "Local card reader and payment gateway service",
		Long: `payment-agent runs card payments for a web application: it drives a card
reader, talks to the payment gateway and reports each step over HTTP and
WebSocket on localhost.`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Version:           api.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if flags.configFile != "" {
				return os.Setenv(config.EnvConfigFile, flags.configFile)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), flags)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "YAML config file (overrides "+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().BoolVar(&flags.simulate, "simulate", false, "Use the simulated gateway and reader")
	rootCmd.Flags().BoolVar(&flags.noTray, "no-tray", false, "Run without system tray (headless mode)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd)
		},
	})
	rootCmd.AddCommand(newReadersCmd(flags))
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newFetchCmd(flags))
	rootCmd.AddCommand(newInstallCmd(flags))
	rootCmd.AddCommand(newUninstallCmd())
	rootCmd.AddCommand(newStatusCmd())

	return rootCmd
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "payment-agent %s\n", api.Version)
	fmt.Fprintf(out, "Build time: %s\n", api.BuildTime)
	fmt.Fprintf(out, "Git commit: %s\n", api.GitCommit)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/CardFlight/payment-agent/internal/config"
	"github.com/CardFlight/payment-agent/internal/record"
	"github.com/CardFlight/payment-agent/internal/service"
)

// loadQuiet loads configuration for one-shot commands. Log entries stay in
// memory unless console logging is configured.
func loadQuiet() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	initLogging(cfg)
	return cfg, nil
}

func newReadersCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "readers",
		Short: "List connected card readers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadQuiet()
			if err != nil {
				return err
			}
			driver := newDriver(flags.simulate || cfg.Gateway.Simulate)

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			readers, err := driver.Readers(ctx)
			if err != nil {
				return err
			}
			if len(readers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No readers connected")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMODEL\tTYPE\tBATTERY")
			for _, r := range readers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Model, r.Type, r.BatteryStatus)
			}
			return w.Flush()
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		limit     int
		accountID string
		parentID  string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored transaction records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadQuiet()
			if err != nil {
				return err
			}
			if cfg.Store.Path == "" {
				return errors.New("no record database configured")
			}
			store, err := record.NewSQLiteStore(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.List(cmd.Context(), record.ListOptions{
				Limit:             limit,
				MerchantAccountID: accountID,
				ParentID:          parentID,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tRESULT\tSTATE\tAMOUNT\tCREATED")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Type, r.Result, r.APIState, r.Amount, r.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records")
	cmd.Flags().StringVar(&accountID, "account", "", "Only records of this merchant account")
	cmd.Flags().StringVar(&parentID, "parent", "", "Only refunds of this charge")
	return cmd
}

func newFetchCmd(flags *rootFlags) *cobra.Command {
	var historical bool
	cmd := &cobra.Command{
		Use:   "fetch <charge-id>",
		Short: "Fetch a charge from the gateway with the configured merchant account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadQuiet()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Gateway.Timeout)
			defer cancel()
			a, err := newAgent(ctx, cfg, flags.simulate)
			if err != nil {
				return err
			}
			defer a.Close()
			if a.merchant == nil {
				return fmt.Errorf("a valid merchant account is required (%s, %s)", config.EnvAccountID, config.EnvAPIKey)
			}

			rec, err := a.manager.FetchSync(ctx, args[0], a.merchant)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if historical {
				return enc.Encode(rec.Historical())
			}
			return enc.Encode(rec)
		},
	}
	cmd.Flags().BoolVar(&historical, "historical", false, "Print the historical payload")
	return cmd
}

func newInstallCmd(flags *rootFlags) *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Start the agent automatically at login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := service.New().Install(service.Options{
				Headless:   headless,
				ConfigFile: flags.configFile,
			})
			if err != nil {
				return fmt.Errorf("failed to install service: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Auto-start service installed successfully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "Install as a background service without the tray icon")
	return cmd
}

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the auto-start service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := service.New().Uninstall(); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Auto-start service removed successfully")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the auto-start service status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := service.New().Status()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr, err := cfg.LocalAddress()
			if err != nil {
				return err
			}
			root, err := cfg.TrustRoot()
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "service: %s\n", cfg.Service.URL)
			fmt.Fprintf(w, "account: %s device %d\n", addr, cfg.Credentials.DeviceID)
			fmt.Fprintf(w, "sealed sender: %t\n", root != nil && !cfg.Pipe.DisableSealed)
			fmt.Fprintf(w, "max send attempts: %d\n", cfg.Dispatch.MaxSendAttempts)
			if cfg.Journal.Path != "" {
				fmt.Fprintf(w, "journal: %s\n", cfg.Journal.Path)
			}
			if cfg.Metrics.Enable {
				fmt.Fprintf(w, "metrics: %s\n", cfg.Metrics.Address)
			}
			fmt.Fprintln(w, "ok")
			return nil
		},
	})
	return cmd
}

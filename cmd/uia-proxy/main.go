// cmd/uia-proxy/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/famedly/uia-proxy/internal/config"
	"github.com/famedly/uia-proxy/internal/logging"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "uia-proxy",
		Short:         "Matrix User-Interactive Authentication proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to the config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the UIA proxy (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Re-derive every UsernameMapper entry from its persistent ID via LDAP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return repair()
		},
	}

	root.AddCommand(serveCmd, repairCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, nil
}

// Package cli wires the kioskadmin commands.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kioskadmin/config"
	"kioskadmin/internal/logs"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "kioskadmin",
	Version: "dev",
	Short:   "Administration server for public kiosk PCs",
	Long: `kioskadmin serves the administration API for kiosk PCs: wake plans,
groups, scripts and jobs, security events and the agent protocol.

Without a subcommand it starts the HTTP server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

func Execute() error { return rootCmd.Execute() }

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./config.yaml or /etc/kioskadmin/config.yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, createSuperuserCmd, seedScriptsCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
	},
}

// loadConfig reads the configuration and prepares logging for one-shot
// commands.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logs.Init(logs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File})
	return cfg, nil
}

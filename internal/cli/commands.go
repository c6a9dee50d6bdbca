package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"kioskadmin/config"
	"kioskadmin/internal/accounts"
	"kioskadmin/internal/db"
	"kioskadmin/internal/jobs"
	"kioskadmin/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	var app server.App
	if err := app.Initialize(cfg); err != nil {
		return err
	}
	return app.Run()
}

// withDB opens the configured database for a one-shot command.
func withDB(fn func(ctx context.Context, d *gorm.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, err := server.OpenDB(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := d.DB(); err == nil {
		defer sqlDB.Close()
	}
	return fn(context.Background(), d)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(func(_ context.Context, d *gorm.DB) error {
			if err := db.AutoMigrate(d); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		})
	},
}

var (
	suUsername string
	suEmail    string
	suPassword string
)

var createSuperuserCmd = &cobra.Command{
	Use:   "create-superuser",
	Short: "Create a user with access to every site",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if suUsername == "" || suPassword == "" {
			return errors.New("--username and --password are required")
		}
		return withDB(func(ctx context.Context, d *gorm.DB) error {
			u, err := accounts.NewService(d, nil, nil).CreateSuperuser(ctx, suUsername, suEmail, suPassword)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created superuser %s (id %d)\n", u.Username, u.ID)
			return nil
		})
	},
}

var seedScriptsCmd = &cobra.Command{
	Use:   "seed-scripts",
	Short: "Install or refresh the built-in global scripts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDB(func(ctx context.Context, d *gorm.DB) error {
			n, err := jobs.SeedBuiltins(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d built-in scripts created\n", n)
			return nil
		})
	},
}

func init() {
	createSuperuserCmd.Flags().StringVar(&suUsername, "username", "", "login name")
	createSuperuserCmd.Flags().StringVar(&suEmail, "email", "", "email address")
	createSuperuserCmd.Flags().StringVar(&suPassword, "password", "", "password, at least 8 characters")
}

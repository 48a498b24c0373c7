package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wsprdaemon/wsprserver/internal/chdb"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the databases, tables and read-only user",
	Long: `Setup applies the ClickHouse schema and provisions the read-only
query account. Every statement is create-if-not-exists, so setup is
safe to re-run after upgrades.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := chdb.Open(cmd.Context(), cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.EnsureSchema(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Schema is up to date.")

		if cfg.Database.ReadOnlyPassword == "" {
			fmt.Println("No readonly_password configured; skipping read-only user.")
			return nil
		}
		if err := db.EnsureReadOnlyUser(cmd.Context(), cfg.Database.ReadOnlyUser, cfg.Database.ReadOnlyPassword); err != nil {
			return err
		}
		fmt.Printf("Read-only user %s is provisioned.\n", cfg.Database.ReadOnlyUser)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

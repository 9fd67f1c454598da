// cmd/server/migrate.go
package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/unclebandit/groupcast/internal/db"
)

func migrateCmd() *cobra.Command {
	var status bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			conn, err := db.Open(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer conn.Close()

			if status {
				return db.MigrationStatus(cmd.Context(), conn, log)
			}
			if err := db.Migrate(cmd.Context(), conn, log); err != nil {
				return err
			}
			log.Info("✅ Migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "print migration status instead of migrating")
	return cmd
}

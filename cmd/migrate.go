package cmd

import (
	"github.com/spf13/cobra"

	"jobmatch/src/log"
	"jobmatch/src/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := postgres.Connect(postgresConfig().DSN(), log.Logger())
		if err != nil {
			return err
		}
		defer postgres.Close(db)

		if err := postgres.Migrate(db); err != nil {
			return err
		}
		log.Info("Schema is up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sempervigil/sempervigil/internal/config"
	"github.com/sempervigil/sempervigil/internal/storage/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "admin",
	Short:   "Apply pending database migrations",
	Long: `Opens the database and applies any unapplied schema migrations.
Opening the database always migrates; this command exists so deploys can
run the step explicitly before starting workers.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(rootCtx, config.DBPath())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		if jsonOutput {
			outputJSON(map[string]string{"db": store.Path(), "status": "ok"})
			return nil
		}
		fmt.Printf("Database %s is up to date\n", store.Path())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

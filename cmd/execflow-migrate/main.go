package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/ignatij/execflow/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{Use: "execflow-migrate"}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Invalid configuration: %v\n", err)
			os.Exit(1)
		}
		if envErr := cfg.EnvFileError(); envErr != nil {
			fmt.Printf("No .env file found or failed to load: %v. Using --db flag.\n", envErr)
		}

		connStr, _ := cmd.Flags().GetString("db")
		if connStr == "" {
			connStr = cfg.DatabaseURL
		}
		if connStr == "" {
			fmt.Println("Error: --db flag, DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_NAME) required")
			os.Exit(1)
		}

		source, _ := cmd.Flags().GetString("path")
		m, err := migrate.New("file://"+source, connStr)
		if err != nil {
			fmt.Printf("Failed to initialize migrations: %v\n", err)
			os.Exit(1)
		}
		down, _ := cmd.Flags().GetBool("down")
		if down {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if err != nil && err != migrate.ErrNoChange {
			fmt.Printf("Failed to apply migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied successfully")
	},
}

func main() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("db", "", "Database connection string (optional if DATABASE_URL or DB_* env vars are set)")
	migrateCmd.Flags().String("path", "migrations", "Directory of migration files")
	migrateCmd.Flags().Bool("down", false, "Revert all migrations")
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

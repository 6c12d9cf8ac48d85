package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/courier/internal/records"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Business records database commands",
}

var recordsMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the leads, clients and groups tables",
	RunE:  runRecordsMigrate,
}

func init() {
	recordsCmd.AddCommand(recordsMigrateCmd)
	rootCmd.AddCommand(recordsCmd)
}

func runRecordsMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := records.Open(cfg.Records.Driver, cfg.Records.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Printf("Records database migrated (%s)\n", db.Driver())
	return nil
}

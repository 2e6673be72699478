package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diora/switchboard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	return cmd
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the Switchboard database",
		Long: `Creates the MySQL database if needed and migrates the realtime node and
cache tables. SQLite databases are created on first open.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	st := cfg.Store

	switch st.Driver {
	case "mysql":
		adminDB, err := db.ConnectAdmin(st.User, st.Password, st.Host, st.Port)
		if err != nil {
			return fmt.Errorf("connect to MySQL at %s:%d: %w", st.Host, st.Port, err)
		}
		defer db.Close(adminDB)
		fmt.Fprintf(out, "Connected to MySQL at %s:%d\n", st.Host, st.Port)

		if err := db.CreateDatabase(adminDB, st.Database); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", st.Database)
	case "sqlite":
		fmt.Fprintf(out, "Using SQLite database %s\n", st.Path)
	default:
		return fmt.Errorf("store.driver %q has no database to initialize", st.Driver)
	}

	gormDB, err := db.Open(st)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nSwitchboard database initialized successfully.")
	return nil
}

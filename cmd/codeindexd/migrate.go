package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codeindexd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Apply or roll back the embedded schema migrations.

The serve and index commands apply pending migrations automatically;
migrate exists for operating on the schema without starting anything else.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
			if err := st.MigrateUp(); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
			if err := st.MigrateDown(); err != nil {
				return err
			}
			fmt.Println("rolled back one migration")
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
			v, dirty, err := st.MigrationVersion()
			if err != nil {
				return err
			}
			if v == 0 {
				fmt.Println("schema version: none")
				return nil
			}
			fmt.Printf("schema version: %d (dirty: %t)\n", v, dirty)
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
}

// withStore opens the database for a single schema operation and closes it
// after.
func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(ctx, store.Config{
		URL:             cfg.Database.URL.Value(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime.Duration(),
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	return fn(ctx, st)
}

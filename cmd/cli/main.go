// Command flowengine is the operator CLI: database migrations, version
// inspection, and run status, each a thin client over the Store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/duragraph/flowengine/cmd/server/config"
	"github.com/duragraph/flowengine/internal/infrastructure/persistence/postgres"
)

func main() {
	root := &cobra.Command{
		Use:   "flowengine",
		Short: "FlowEngine operator CLI",
	}

	root.AddCommand(migrateCmd(), versionCmd(), runCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	var down bool
	var sourcePath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			m, err := migrate.New("file://"+sourcePath, cfg.DatabaseURL())
			if err != nil {
				return err
			}
			defer m.Close()

			if down {
				err = m.Down()
			} else {
				err = m.Up()
			}
			if err == migrate.ErrNoChange {
				fmt.Println("no migrations to apply")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back all migrations")
	cmd.Flags().StringVar(&sourcePath, "source", "migrations", "path to migration files")
	return cmd
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Inspect flow versions",
	}

	list := &cobra.Command{
		Use:   "list <flow-id>",
		Short: "List a flow's versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeFn, err := openFlowRepo()
			if err != nil {
				return err
			}
			defer closeFn()

			metadata, err := repo.ListVersionMetadata(context.Background(), args[0])
			if err != nil {
				return err
			}
			for _, m := range metadata {
				fmt.Printf("%s  %s  %s\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.CommitMessage)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Print a version's visual graph as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeFn, err := openFlowRepo()
			if err != nil {
				return err
			}
			defer closeFn()

			v, err := repo.GetVersion(context.Background(), args[0])
			if err != nil {
				return err
			}
			if v == nil {
				return fmt.Errorf("version %s not found", args[0])
			}
			out, err := json.MarshalIndent(v.VisualGraph, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect runs",
	}

	status := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Print a run's per-node status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, closeFn, err := openPool()
			if err != nil {
				return err
			}
			defer closeFn()

			repo := postgres.NewRunRepository(pool, nil)
			r, err := repo.GetRun(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("run %s  flow=%s  version=%s  status=%s\n", r.ID(), r.FlowID(), r.VersionID(), r.Status())
			for nodeID, ns := range r.NodeStates() {
				line := fmt.Sprintf("  %-24s %s", nodeID, ns.Status)
				if ns.Error != "" {
					line += "  error=" + ns.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.AddCommand(status)
	return cmd
}

func openPool() (pool *pgxpool.Pool, closeFn func(), err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	p, err := postgres.NewPool(context.Background(), postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, nil, err
	}
	return p, func() { postgres.Close(p) }, nil
}

func openFlowRepo() (repo *postgres.FlowRepository, closeFn func(), err error) {
	pool, closeFn, err := openPool()
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewFlowRepository(pool), closeFn, nil
}

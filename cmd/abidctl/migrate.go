package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abid-rules-server/internal/database"
	"github.com/abid-rules-server/internal/reference"
	"github.com/abid-rules-server/internal/repository"
	"github.com/abid-rules-server/internal/service"
)

func (c *cli) migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	withRunner := func(fn func(cmd *cobra.Command, runner *database.MigrationRunner) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			runner, err := database.NewMigrationRunnerFromConfig(cfg.Database, c.logger)
			if err != nil {
				return err
			}
			defer runner.Close()
			return fn(cmd, runner)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withRunner(func(cmd *cobra.Command, runner *database.MigrationRunner) error {
				if err := runner.Up(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: withRunner(func(cmd *cobra.Command, runner *database.MigrationRunner) error {
				if err := runner.Down(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Migrations rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: withRunner(func(cmd *cobra.Command, runner *database.MigrationRunner) error {
				version, dirty, err := runner.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			}),
		},
	)
	return cmd
}

func (c *cli) rulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the stored antibody rules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Replace the stored rules and antigens with the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			db, err := database.NewConnection(cmd.Context(), cfg.Database, c.logger)
			if err != nil {
				return err
			}
			defer db.Close()

			catalogue, err := reference.Default()
			if err != nil {
				return err
			}
			rules := repository.NewRuleRepository(db.Pool, c.logger)
			antigens := repository.NewAntigenRepository(db.Pool, c.logger)
			lookup := service.NewAntigenLookup(service.AntigenLookupConfig{}, antigens, nil, c.logger)

			nAntigens, err := service.NewAntigenService(antigens, rules, catalogue, lookup, c.logger).InitializeAntigens(cmd.Context())
			if err != nil {
				return err
			}
			nRules, err := service.NewRuleService(rules, catalogue, c.logger).InitializeDefaults(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d antigens and %d rules\n", nAntigens, nRules)
			return nil
		},
	})
	return cmd
}

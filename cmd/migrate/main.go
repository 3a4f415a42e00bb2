package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"homework_bot/migrations"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetDefault("DATABASE_PATH", "./data/bot.db")
	v.AutomaticEnv()

	var dbPath string
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the bot database schema",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", v.GetString("DATABASE_PATH"), "path to sqlite database")

	// withProvider opens the database for the duration of a subcommand.
	withProvider := func(fn func(ctx context.Context, p *goose.Provider) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			db, err := sql.Open("sqlite", dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			p, err := migrations.NewProvider(db)
			if err != nil {
				return err
			}
			return fn(cmd.Context(), p)
		}
	}

	printResults := func(results []*goose.MigrationResult) {
		if len(results) == 0 {
			fmt.Println("no migrations to run")
		}
		for _, r := range results {
			fmt.Println(r)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Migrate to the latest version",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				results, err := p.Up(ctx)
				printResults(results)
				return err
			}),
		},
		&cobra.Command{
			Use:   "up-one",
			Short: "Migrate one version up",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				r, err := p.UpByOne(ctx)
				if r != nil {
					fmt.Println(r)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back one version",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				r, err := p.Down(ctx)
				if r != nil {
					fmt.Println(r)
				}
				return err
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				statuses, err := p.Status(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("%-24s %-10s %s\n", "Applied At", "State", "Migration")
				for _, s := range statuses {
					applied := "-"
					if !s.AppliedAt.IsZero() {
						applied = s.AppliedAt.UTC().Format(time.DateTime)
					}
					fmt.Printf("%-24s %-10s %s\n", applied, s.State, s.Source.Path)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show current version",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				version, err := p.GetDBVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("version %d\n", version)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Roll back all migrations",
			Args:  cobra.NoArgs,
			RunE: withProvider(func(ctx context.Context, p *goose.Provider) error {
				results, err := p.DownTo(ctx, 0)
				printResults(results)
				return err
			}),
		},
	)
	return root
}

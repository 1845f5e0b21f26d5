package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wtf-ops/backend/internal/config"
	"github.com/wtf-ops/backend/internal/db"
	"github.com/wtf-ops/backend/internal/guard"
	"github.com/wtf-ops/backend/internal/registry"
	"github.com/wtf-ops/backend/internal/seed"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Validate, dump or apply routing configuration bundles",
	}
	cmd.AddCommand(seedValidateCmd())
	cmd.AddCommand(seedDumpDefaultCmd())
	cmd.AddCommand(seedApplyCmd())
	return cmd
}

func seedValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a seed file without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := seed.Load(file)
			if err != nil {
				return err
			}
			if problems := seed.Validate(b); len(problems) > 0 {
				for _, p := range problems {
					fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", p)
				}
				return fmt.Errorf("%s: %d problem(s)", file, len(problems))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d categories, %d channels, %d rules\n",
				len(b.Categories), len(b.Channels), len(b.Rules))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func seedDumpDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump-default",
		Short: "Print the built-in gym chain configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := cmd.OutOrStdout().Write(seed.DefaultYAML())
			return err
		},
	}
}

func seedApplyCmd() *cobra.Command {
	var (
		file        string
		databaseURL string
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Replace the stored configuration with a seed file",
		Long: `Loads the stored configuration, then installs the seed file as one new
version through the consistency guard. Rules pointing at categories or
channels missing from the file reject the whole file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				databaseURL = cfg.DatabaseURL
			}
			if strings.TrimSpace(databaseURL) == "" {
				return fmt.Errorf("no database: pass --database-url or set DATABASE_URL")
			}

			ctx := cmd.Context()
			store, err := db.New(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			catalog := registry.NewCatalog(store, logger)
			cats, chans, rules, err := store.LoadConfig(ctx)
			if err != nil {
				return err
			}
			catalog.Restore(cats, chans, rules)

			rep, err := seed.ApplyFile(ctx, guard.New(catalog, nil, nil, logger), file)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file (YAML)")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres URL (default: DATABASE_URL)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

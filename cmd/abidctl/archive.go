package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abid-rules-server/internal/archive"
	"github.com/abid-rules-server/internal/database"
	"github.com/abid-rules-server/internal/domain"
)

// openArchive opens the configured workup archive and returns the configuration it used
func (c *cli) openArchive() (archive.Store, *domain.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := archive.Open(cfg.Archive, database.URL(cfg.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workup archive: %w", err)
	}
	return store, cfg, nil
}

func (c *cli) archiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Export or import archived workups",
	}

	var (
		outPath string
		bucket  string
		key     string
		prefix  string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Export every workup as JSON to a file or an S3 bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (outPath == "") == (bucket == "") {
				return errors.New("exactly one of --out or --s3-bucket is required")
			}
			store, cfg, err := c.openArchive()
			if err != nil {
				return err
			}
			defer store.Close()

			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				defer f.Close()
				if err := store.ExportJSON(cmd.Context(), f); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported workups to %s\n", outPath)
				return nil
			}

			storage := cfg.Storage
			if prefix == "" {
				prefix = storage.Prefix
			}
			client, err := archive.NewS3Client(cmd.Context(), storage)
			if err != nil {
				return err
			}
			exporter, err := archive.NewS3Exporter(client, bucket, prefix)
			if err != nil {
				return err
			}
			written, err := exporter.Export(cmd.Context(), store, key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported workups to s3://%s/%s\n", bucket, written)
			return nil
		},
	}
	export.Flags().StringVar(&outPath, "out", "", "write the export to this file")
	export.Flags().StringVar(&bucket, "s3-bucket", "", "upload the export to this bucket")
	export.Flags().StringVar(&key, "s3-key", "", "object key (default: <prefix>/workups_<timestamp>.json)")
	export.Flags().StringVar(&prefix, "s3-prefix", "", "key prefix (default: storage.prefix)")

	var inPath string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import workups from an export file, skipping ids that already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := c.openArchive()
			if err != nil {
				return err
			}
			defer store.Close()

			f, err := os.Open(inPath)
			if err != nil {
				return fmt.Errorf("failed to open import file: %w", err)
			}
			defer f.Close()

			imported, skipped, err := store.ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d workups, skipped %d\n", imported, skipped)
			return nil
		},
	}
	importCmd.Flags().StringVar(&inPath, "in", "", "export file to import")
	_ = importCmd.MarkFlagRequired("in")

	cmd.AddCommand(export, importCmd)
	return cmd
}

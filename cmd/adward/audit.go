package main

import (
	"fmt"
	"os"

	"adward/pkg/audit"
	"adward/pkg/storage"

	"github.com/spf13/cobra"
)

func newAuditCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
	}

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readAudit(cmd, root, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range records {
				fmt.Fprintf(out, "%s\t%s\t%s\n", storage.FormatTimestamp(rec.Timestamp), rec.Action, rec.Domain)
			}
			return nil
		},
	}
	recent.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to print, 0 for all")

	cmd.AddCommand(recent, newAuditExportCmd(root))
	return cmd
}

func newAuditExportCmd(root *rootOptions) *cobra.Command {
	var (
		output string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the audit trail to an Excel workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readAudit(cmd, root, limit)
			if err != nil {
				return err
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			if err := audit.ExportXLSX(f, records); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d records to %s\n", len(records), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "audit.xlsx", "Workbook to write")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Number of newest records to export, 0 for all")
	return cmd
}

// readAudit opens the configured sink read-side and returns the newest
// records first.
func readAudit(cmd *cobra.Command, root *rootOptions, limit int) ([]storage.Record, error) {
	cfg, err := root.load()
	if err != nil {
		return nil, err
	}
	if !cfg.Audit.Enabled {
		return nil, fmt.Errorf("audit logging is disabled in %s", root.configPath)
	}

	sink, err := storage.New(&cfg.Audit)
	if err != nil {
		return nil, err
	}
	log := audit.New(sink, cliLogger(cmd.ErrOrStderr()), nil)
	defer func() { _ = log.Close() }()

	return log.Recent(cmd.Context(), limit)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/export"
)

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the dataset from base, snapshot and ledger, write the snapshot and print statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.service.Open(cmd.Context()); err != nil {
				return err
			}
			return printStatistics(cmd.OutOrStdout(), a.service.Statistics())
		},
	}
}

func printStatistics(w io.Writer, stats domain.Statistics) error {
	fmt.Fprintf(w, "version %d, %d municipalities\n", stats.Version, stats.Total)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tMUNICIPALITIES\tPERCENT\tANNUAL SALES\tANNUAL POTENTIAL\tSHARE\tPDV")
	for _, z := range stats.Zones {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.2f\t%.2f\t%.1f\t%d\n",
			z.Zone, z.Municipalities, z.Percent, z.AnnualSales, z.AnnualPotential, z.Share, z.PointsOfSale)
	}
	return tw.Flush()
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the current dataset or the change ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			var write func(io.Writer) error
			switch f {
			case export.FormatCSV, export.FormatXLSX:
				ds, err := a.service.Build(ctx)
				if err != nil {
					return err
				}
				if f == export.FormatCSV {
					write = func(w io.Writer) error { return export.WriteDatasetCSV(w, ds) }
				} else {
					colors := a.service.Colors()
					write = func(w io.Writer) error { return export.WriteDatasetXLSX(w, ds, colors) }
				}
			default:
				entries, err := a.ledger.ReplayAll(ctx)
				if err != nil {
					return err
				}
				if f == export.FormatLedgerJSON {
					write = func(w io.Writer) error { return export.WriteLedgerJSON(w, entries, time.Now()) }
				} else {
					write = func(w io.Writer) error { return export.WriteLedgerCSV(w, entries) }
				}
			}

			if out == "-" {
				return write(cmd.OutOrStdout())
			}
			if out == "" {
				out = export.FileName(f, time.Now())
			}
			n, err := export.WriteFile(out, write)
			if err != nil {
				return err
			}
			a.logger.Info("export_written", "format", f, "path", out, "bytes", n)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", string(export.FormatCSV), "csv, xlsx, ledger-json or ledger-csv")
	cmd.Flags().StringVar(&out, "out", "", "output file; - writes to stdout")
	return cmd
}

func newBackupCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the current snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			archive, err := a.backups.Backup(cmd.Context(), a.cfg.Data.SnapshotPath)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), archive.Path)
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backup archives, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			archives, err := a.backups.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTIME\tSIZE\tLOCATION")
			for _, archive := range archives {
				location := "local"
				if archive.Remote {
					location = "mirror"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", archive.Name, archive.Time.Format(time.RFC3339), archive.Size, location)
			}
			return tw.Flush()
		},
	})
	return cmd
}

func newRestoreCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Rebuild the snapshot from the newest valid backup plus the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			ds, err := a.backups.RestoreLatest(ctx)
			if err != nil {
				return err
			}
			if err := a.snapshots.Persist(ctx, ds); err != nil {
				return err
			}
			a.logger.Info("snapshot_restored", "version", ds.Version(), "sequence", ds.Sequence(), "records", ds.Len())
			return printStatistics(cmd.OutOrStdout(), ds.Statistics())
		},
	}
}

func newLedgerCommand(opts *rootOptions) *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print ledger entries after a sequence as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.ledger.ReplaySince(cmd.Context(), since)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "print entries with a sequence greater than this")
	return cmd
}

func newEditCommand(opts *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "edit CODE ZONE",
		Short: "Move one municipality to a zone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var version int64
			err = a.runService(cmd.Context(), func(ctx context.Context) error {
				var err error
				version, err = a.service.ApplyEdit(ctx, args[0], args[1], actor)
				return err
			})
			if err != nil {
				return err
			}
			record, _ := a.service.Get(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s (version %d)\n", record.Code, record.Name, record.Zone, version)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "who made the change")
	return cmd
}

func newRevertCommand(opts *rootOptions) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "Append ledger entries that move every municipality back to its base zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			var version int64
			err = a.runService(cmd.Context(), func(ctx context.Context) error {
				var err error
				version, err = a.service.RevertToBase(ctx, actor)
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reverted to base zones (version %d)\n", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "who made the change")
	return cmd
}

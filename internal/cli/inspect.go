package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/evanofslack/cloud-dns-sync/internal/journal"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/reconcile"
	"github.com/evanofslack/cloud-dns-sync/internal/record"
	"github.com/evanofslack/cloud-dns-sync/internal/source"
	"github.com/spf13/cobra"
)

func newCmdPlan(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the changes a sync would make",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			zones, err := source.Load(opts.cfg.RecordsPath)
			if err != nil {
				return err
			}
			_, engine, err := newEngine(ctx, opts.cfg, metrics.New(false))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, z := range zones {
				plan, err := engine.Plan(ctx, z.Zone, z.Records)
				if err != nil {
					return fmt.Errorf("plan %s: %w", z.Zone, err)
				}
				printPlan(out, plan)
			}
			return nil
		},
	}
}

func newCmdList(opts *options) *cobra.Command {
	var zone string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the records a provider holds for a zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newProvider(cmd.Context(), opts.cfg, metrics.New(false))
			if err != nil {
				return fmt.Errorf("initialize dns provider: %w", err)
			}
			records, err := client.List(cmd.Context(), zone)
			if err != nil {
				return err
			}
			record.Sort(records)
			printRecords(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "Zone to list")
	_ = cmd.MarkFlagRequired("zone")
	return cmd
}

func newCmdStatus(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last recorded run of every zone",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.New(opts.cfg.JournalPath, metrics.New(false))
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer j.Close()

			runs, err := j.All(cmd.Context())
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
}

func printPlan(w io.Writer, plan reconcile.Plan) {
	if plan.Empty() {
		fmt.Fprintf(w, "%s: up to date\n", plan.Zone)
	} else {
		fmt.Fprintf(w, "%s: %d to delete, %d to create, %d to update\n", plan.Zone, len(plan.Delete), len(plan.Create), len(plan.Update))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, step := range []struct {
		sign    string
		records []record.Record
	}{{"-", plan.Delete}, {"+", plan.Create}, {"~", plan.Update}, {"!", plan.Reserved}} {
		for _, r := range step.records {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", step.sign, r.Name, r.Type, ttl(r.TTL), strings.Join(r.Values, ", "))
		}
	}
	tw.Flush()
	if len(plan.Reserved) > 0 {
		fmt.Fprintln(w, "  ! skipped, the provider holds record sets there it cannot manage")
	}
}

func printRecords(w io.Writer, records []record.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tTTL\tVALUES")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Type, ttl(r.TTL), strings.Join(r.Values, ", "))
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ZONE\tSTARTED\tDURATION\tCREATED\tUPDATED\tDELETED\tFAILED\tSTATUS")
	for _, r := range runs {
		status := "ok"
		switch {
		case r.Error != "":
			status = r.Error
		case r.Failed > 0:
			status = "failed"
		case r.DryRun:
			status = "dry run"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Zone, r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond),
			r.Created, r.Updated, r.Deleted, r.Failed, status)
	}
	tw.Flush()
	for _, r := range runs {
		for _, f := range r.Failures {
			fmt.Fprintf(w, "%s: %s %s %s %s: %s\n", r.Zone, f.Status, f.Action, f.Name, f.Type, f.Error)
		}
	}
}

func ttl(d time.Duration) string {
	if d == 0 {
		return "auto"
	}
	return d.String()
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Simplici0/lpbf-planner/internal/app"
	"github.com/Simplici0/lpbf-planner/internal/config"
	"github.com/Simplici0/lpbf-planner/internal/logging"
)

type opener func(ctx context.Context) (*app.App, error)

func openFromEnv(ctx context.Context) (*app.App, error) {
	cfg := config.Load()
	logging.Setup(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	return app.Open(ctx, cfg)
}

func newRootCmd(open opener) *cobra.Command {
	var asJSON bool

	root := &cobra.Command{
		Use:          "lpbfctl",
		Short:        "Operate the LPBF quoting and build-job planner",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	// withApp opens the planner for one command and closes it afterwards.
	withApp := func(run func(cmd *cobra.Command, a *app.App, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, a, args)
		}
	}

	printJSON := func(w io.Writer, v any) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations and seed the machine catalog",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			if err := a.Migrate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}),
	}

	var segmentKey string
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Retrain price and time models from quoted parts",
		Example: `  # Retrain every segment
  lpbfctl train

  # Retrain one segment
  lpbfctl train --segment EOS_IN718_IN625`,
		Args: cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			// An interrupted run still reports the segments it finished.
			reports, trainErr := a.Planner.Train(cmd.Context(), segmentKey)
			if trainErr != nil && reports == nil {
				return trainErr
			}
			if asJSON {
				if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
					return err
				}
				return trainErr
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEGMENT\tSAMPLES\tFAMILY\tPRICE MAE\tTIME MAE\tRESULT")
			for _, r := range reports {
				result := "trained"
				if !r.Success {
					result = r.Reason
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%.2f\t%.4f\t%s\n", r.Key, r.Samples, r.Family, r.PriceMAE, r.TimeMAE, result)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return trainErr
		}),
	}
	trainCmd.Flags().StringVar(&segmentKey, "segment", "", "segment key, e.g. EOS_IN718_IN625")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show which segments have trained models",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			status, err := a.Planner.ModelStatus(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), status)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SEGMENT\tTRAINED")
			for _, s := range status {
				fmt.Fprintf(w, "%s\t%t\n", s.Key, s.Trained)
			}
			return w.Flush()
		}),
	}

	scheduleCmd := &cobra.Command{
		Use:   "schedule JOB_ID",
		Short: "Pack pending parts onto a build job",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app.App, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || jobID <= 0 {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			res, err := a.Planner.RunBatchScheduling(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d: admitted %d, rejected %d, remaining %.2f cm², fill %.1f%%\n",
				res.JobID, res.AdmittedCount, res.RejectedCount, res.RemainingCapacity, res.FillPercent)
			return nil
		}),
	}

	var (
		logJob   int64
		logLimit int
	)
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Show nesting decisions, most recent first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app.App, _ []string) error {
			entries, err := a.Planner.DecisionLog(cmd.Context(), logJob, logLimit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tJOB\tPART\tDECISION\tBEFORE\tREQUIRED\tAFTER")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.2f\t%.2f\t%.2f\n",
					e.DecidedAt.Format("2006-01-02 15:04:05"), e.BatchID, e.ItemName, e.Kind,
					e.SurfaceBefore, e.SurfaceDelta, e.SurfaceAfter)
			}
			return w.Flush()
		}),
	}
	logCmd.Flags().Int64Var(&logJob, "job", 0, "only decisions of this build job")
	logCmd.Flags().IntVar(&logLimit, "limit", 0, "maximum entries (default and cap 200)")

	root.AddCommand(migrateCmd, trainCmd, statusCmd, scheduleCmd, logCmd)
	return root
}

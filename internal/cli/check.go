package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quotawatch/quotawatch/internal/engine"
	"github.com/quotawatch/quotawatch/internal/metrics"
	"github.com/quotawatch/quotawatch/internal/models"
)

var checkCmd = &cobra.Command{
	Use:     "check",
	Aliases: []string{"c", "run"},
	Short:   "Process quota of the configured storages",
	Long: `Read quota of every configured storage, push usage to the account
page and mail the owners of exceeding users and filesets.

Users are processed before filesets. A storage that fails does not stop
the others, but the command exits with an error.

Example:
  quotawatch check --storage VSC_DATA --storage VSC_SCRATCH`,
	RunE: runCheck,
}

var checkFlags struct {
	Storages []string
}

func init() {
	checkCmd.Flags().StringSliceVarP(&checkFlags.Storages, "storage", "s", nil, "Storage to process (repeatable, default all)")
	RootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, runErr := a.engine.Check(cmd.Context(), checkFlags.Storages)
	if report == nil {
		return runErr
	}

	if err := outputCheckReport(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("quota check failed: %w", runErr)
	}
	return nil
}

func outputCheckReport(w io.Writer, report *engine.Report) error {
	if globalFlags.JSON {
		return writeJSON(w, report)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORAGE\tFILESYSTEM\tSTATUS\tUSERS\tFILESETS\tPUSHED\tNOTIFIED\tSEVERITY\tDURATION")
	for _, res := range report.Results {
		run := res.Run
		statusIcon := "✓"
		if run.Status != models.RunSucceeded {
			statusIcon = "✗"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%d\t%d\t%s\t%d\t%s\t%s\n",
			run.Storage,
			run.Filesystem,
			statusIcon, run.Status,
			run.ExceedingUsers,
			run.ExceedingFilesets,
			humanize.Comma(int64(res.PushedUsers+res.PushedVOs)),
			res.NotifiedUsers+res.NotifiedFilesets,
			severityName(res.Severity),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, res := range report.Results {
		if res.Run.Error != "" {
			fmt.Fprintf(w, "\n%s: %s\n", res.Run.Storage, res.Run.Error)
		}
	}
	return nil
}

func severityName(level int) string {
	switch level {
	case metrics.SeverityCritical:
		return "CRITICAL"
	case metrics.SeverityWarning:
		return "WARNING"
	default:
		return "OK"
	}
}

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/quotawatch/quotawatch/internal/alerts"
	"github.com/quotawatch/quotawatch/internal/models"
)

var inodesCmd = &cobra.Command{
	Use:   "inodes",
	Short: "Check filesets close to their inode limit",
	Long: `Archive the inode data of every fileset and report the filesets
whose used inodes exceed the configured share of their limit. Admins get
one notice listing all of them.

Example:
  quotawatch inodes --json`,
	RunE: runInodes,
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Archive raw quota of every filesystem",
	Long: `Write the raw user, group and fileset quota of every configured
filesystem to archive.quota_dir as gzip compressed JSON.`,
	RunE: runSnapshot,
}

func init() {
	RootCmd.AddCommand(inodesCmd)
	RootCmd.AddCommand(snapshotCmd)
}

func runInodes(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, runErr := a.engine.Inodes(cmd.Context())
	if report != nil {
		if err := outputInodeReport(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	}
	if runErr != nil {
		return fmt.Errorf("inode check failed: %w", runErr)
	}
	return nil
}

func outputInodeReport(w io.Writer, report map[string]map[string]models.InodeCritical) error {
	if globalFlags.JSON {
		return writeJSON(w, report)
	}
	if len(report) == 0 {
		fmt.Fprintln(w, "✓ No filesets close to their inode limit")
		return nil
	}
	_, err := io.WriteString(w, alerts.FormatInodeReport(report))
	return err
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	paths, runErr := a.engine.Snapshot(cmd.Context())
	if globalFlags.JSON {
		if paths == nil {
			paths = []string{}
		}
		if err := writeJSON(cmd.OutOrStdout(), paths); err != nil {
			return err
		}
	} else {
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
	}
	if runErr != nil {
		return fmt.Errorf("snapshot failed: %w", runErr)
	}
	return nil
}

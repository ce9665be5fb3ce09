package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/quotawatch/quotawatch/internal/alerts"
	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/models"
	"github.com/quotawatch/quotawatch/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent check runs",
	RunE:  runHistory,
}

var historyFlags struct {
	Storage string
	Limit   int
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear notification caches",
	Long: `Notification caches remember which exceeding users and filesets were
already notified. There is one cache per filesystem and target (users or
filesets). Clearing a cache makes the next check notify everyone again.`,
}

var cacheShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List the entries of a notification cache",
	RunE:  runCacheShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all entries of a notification cache",
	RunE:  runCacheClear,
}

var cacheFlags struct {
	Storage string
	Target  string
}

func init() {
	historyCmd.Flags().StringVarP(&historyFlags.Storage, "storage", "s", "", "Only show runs of this storage")
	historyCmd.Flags().IntVarP(&historyFlags.Limit, "limit", "n", 20, "Number of runs to show")
	RootCmd.AddCommand(historyCmd)

	for _, c := range []*cobra.Command{cacheShowCmd, cacheClearCmd} {
		c.Flags().StringVarP(&cacheFlags.Storage, "storage", "s", "", "Storage whose filesystem cache to use")
		c.Flags().StringVarP(&cacheFlags.Target, "target", "t", string(alerts.TargetUsers), "Cache target: users or filesets")
		_ = c.MarkFlagRequired("storage")
	}
	cacheCmd.AddCommand(cacheShowCmd, cacheClearCmd)
	RootCmd.AddCommand(cacheCmd)
}

func openDB(cfg *config.Config) (*store.DB, error) {
	return store.OpenDB(dbPath(cfg))
}

func runHistory(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListRuns(cmd.Context(), historyFlags.Storage, historyFlags.Limit)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if globalFlags.JSON {
		if runs == nil {
			runs = []models.RunRecord{}
		}
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTORAGE\tSTARTED\tSTATUS\tUSERS\tFILESETS\tERROR")
	for _, run := range runs {
		status := string(run.Status)
		if run.DryRun {
			status += " (dry run)"
		}
		errMsg := run.Error
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			shortID(run.RunID),
			run.Storage,
			humanize.Time(run.StartedAt),
			status,
			run.ExceedingUsers,
			run.ExceedingFilesets,
			errMsg,
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveCache returns the backend and cache name selected by the cache
// flags.
func resolveCache(cfg *config.Config, db *store.DB) (cacheStore, string, error) {
	storage, ok := cfg.Storage(cacheFlags.Storage)
	if !ok {
		return nil, "", fmt.Errorf("unknown storage %q", cacheFlags.Storage)
	}
	target := alerts.Target(cacheFlags.Target)
	if target != alerts.TargetUsers && target != alerts.TargetFilesets {
		return nil, "", fmt.Errorf("target must be %q or %q", alerts.TargetUsers, alerts.TargetFilesets)
	}
	return cacheBackend(cfg, db), alerts.CacheName(storage.Filesystem, target), nil
}

type cacheRow struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func runCacheShow(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	backend, name, err := resolveCache(cfg, db)
	if err != nil {
		return err
	}
	entries, err := backend.LoadCache(cmd.Context(), name)
	if err != nil {
		return err
	}

	rows := make([]cacheRow, 0, len(entries))
	for key, entry := range entries {
		rows = append(rows, cacheRow{Key: key, Value: entry.Value, UpdatedAt: entry.UpdatedAt})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	w := cmd.OutOrStdout()
	if globalFlags.JSON {
		return writeJSON(w, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintf(w, "Cache %s is empty\n", name)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNOTIFIED\tVALUE")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", row.Key, humanize.Time(row.UpdatedAt), string(row.Value))
	}
	return tw.Flush()
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if globalFlags.DryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "dry run, cache left untouched")
		return nil
	}
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	backend, name, err := resolveCache(cfg, db)
	if err != nil {
		return err
	}
	if err := backend.ClearCache(cmd.Context(), name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cache %s cleared\n", name)
	return nil
}

package telegram

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/quotawatch/quotawatch/internal/models"
)

// formatInodeReport renders the critical filesets of every filesystem,
// sorted by filesystem and fileset name.
func formatInodeReport(report map[string]map[string]models.InodeCritical) string {
	filesystems := make([]string, 0, len(report))
	for fs, filesets := range report {
		if len(filesets) > 0 {
			filesystems = append(filesystems, fs)
		}
	}
	if len(filesystems) == 0 {
		return ""
	}
	sort.Strings(filesystems)

	var sb strings.Builder
	sb.WriteString("⚠️ <b>Inode usage critical</b>\n")
	for _, fs := range filesystems {
		sb.WriteString(fmt.Sprintf("\n<b>%s</b>\n", html.EscapeString(fs)))

		names := make([]string, 0, len(report[fs]))
		for name := range report[fs] {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			c := report[fs][name]
			sb.WriteString(fmt.Sprintf("• <code>%s</code> %s/%s (%d%%), allocated %s\n",
				html.EscapeString(name),
				humanize.Comma(c.Used),
				humanize.Comma(c.MaxInodes),
				c.Percent(),
				humanize.Comma(c.Allocated),
			))
		}
	}
	return sb.String()
}

// formatRunFailures renders the failed storages of a run.
func formatRunFailures(runs []models.RunRecord) string {
	var failed []models.RunRecord
	for _, r := range runs {
		if r.Status == models.RunFailed {
			failed = append(failed, r)
		}
	}
	if len(failed) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("🔴 <b>Quota run failed</b>\n")
	if failed[0].RunID != "" {
		sb.WriteString(fmt.Sprintf("run <code>%s</code>\n", html.EscapeString(failed[0].RunID)))
	}
	sb.WriteString("\n")
	for _, r := range failed {
		sb.WriteString(fmt.Sprintf("• <b>%s</b> (%s): %s\n",
			html.EscapeString(r.Storage),
			html.EscapeString(r.Filesystem),
			html.EscapeString(r.Error),
		))
	}
	return sb.String()
}

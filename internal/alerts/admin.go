package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/mail"
	"github.com/quotawatch/quotawatch/internal/models"
)

// Admin mails operational notices to the storage administrators.
type Admin struct {
	mailer Mailer
	from   string
	to     []string
	dryRun bool
	logger *logging.Logger
}

// NewAdmin creates an admin notifier. It sends nothing when to is empty.
func NewAdmin(mailer Mailer, from string, to []string, dryRun bool, logger *logging.Logger) *Admin {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Admin{mailer: mailer, from: from, to: to, dryRun: dryRun, logger: logger}
}

// NotifyInodes mails the inode-critical filesets of all filesystems.
func (a *Admin) NotifyInodes(ctx context.Context, report map[string]map[string]models.InodeCritical) error {
	body := FormatInodeReport(report)
	if body == "" {
		return nil
	}
	return a.send(ctx, "GPFS inode usage critical", "The following filesets are running out of inodes:\n\n"+body)
}

// NotifyRunFailures mails the storages that failed in a run.
func (a *Admin) NotifyRunFailures(ctx context.Context, runs []models.RunRecord) error {
	var lines []string
	for _, r := range runs {
		if r.Status == models.RunFailed {
			lines = append(lines, fmt.Sprintf("%s (%s): %s", r.Storage, r.Filesystem, r.Error))
		}
	}
	if len(lines) == 0 {
		return nil
	}
	return a.send(ctx, "GPFS quota run failed", strings.Join(lines, "\n")+"\n")
}

func (a *Admin) send(ctx context.Context, subject, body string) error {
	if len(a.to) == 0 || a.mailer == nil {
		return nil
	}
	if a.dryRun {
		a.logger.InfoWithContext(ctx, "dry run, would send admin notice", "subject", subject, "message", body)
		return nil
	}
	return a.mailer.Send(ctx, mail.Message{
		From:    a.from,
		To:      a.to,
		Subject: subject,
		Body:    body,
	})
}

// FormatInodeReport renders one line per critical fileset:
// "fs - fileset: used N (P%) of max M [allocated: A]".
func FormatInodeReport(report map[string]map[string]models.InodeCritical) string {
	filesystems := make([]string, 0, len(report))
	for fs := range report {
		filesystems = append(filesystems, fs)
	}
	sort.Strings(filesystems)

	var sb strings.Builder
	for _, fs := range filesystems {
		names := make([]string, 0, len(report[fs]))
		for name := range report[fs] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := report[fs][name]
			fmt.Fprintf(&sb, "%s - %s: used %d (%d%%) of max %d [allocated: %d]\n",
				fs, name, c.Used, c.Percent(), c.MaxInodes, c.Allocated)
		}
	}
	return sb.String()
}

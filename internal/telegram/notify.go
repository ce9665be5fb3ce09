// Package telegram posts admin notices about inode pressure and failed runs
// to a Telegram chat.
package telegram

import (
	"context"
	"strings"

	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/models"
)

// Notifier posts HTML notices to a single admin chat.
type Notifier struct {
	api    BotAPI
	chatID int64
	logger *logging.Logger
}

// NewNotifier creates a notifier for chatID. A nil logger discards output.
func NewNotifier(api BotAPI, chatID int64, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Notifier{api: api, chatID: chatID, logger: logger}
}

// Notify sends text as is. Empty text and an unset chat are ignored.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n == nil || n.api == nil || n.chatID == 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	if err := n.api.SendMessage(n.chatID, text, "HTML"); err != nil {
		n.logger.ErrorWithContext(ctx, "telegram notice failed", "chat_id", n.chatID, "error", err)
		return err
	}
	n.logger.DebugWithContext(ctx, "telegram notice sent", "chat_id", n.chatID)
	return nil
}

// NotifyInodes reports inode-critical filesets grouped per filesystem.
// Nothing is sent when no fileset is critical.
func (n *Notifier) NotifyInodes(ctx context.Context, report map[string]map[string]models.InodeCritical) error {
	return n.Notify(ctx, formatInodeReport(report))
}

// NotifyRunFailures reports failed storages of a run.
func (n *Notifier) NotifyRunFailures(ctx context.Context, runs []models.RunRecord) error {
	return n.Notify(ctx, formatRunFailures(runs))
}

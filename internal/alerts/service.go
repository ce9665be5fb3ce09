package alerts

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/mail"
	"github.com/quotawatch/quotawatch/internal/models"
)

// Sender notifies the owner of an exceeding entity.
type Sender interface {
	Notify(ctx context.Context, storage string, entity *models.QuotaEntity) error
}

// Config holds the mail settings of the notifier.
type Config struct {
	From      string
	ReplyTo   string
	Signature string
	DryRun    bool
	// VOFileset tells which fileset names belong to a VO.
	VOFileset func(string) bool
}

// Notifier mails exceeding users and VO moderators.
type Notifier struct {
	config    Config
	mailer    Mailer
	directory Directory
	clock     clockwork.Clock
	logger    *logging.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithNotifierClock sets the clock used for the time in messages.
func WithNotifierClock(clock clockwork.Clock) NotifierOption {
	return func(n *Notifier) {
		n.clock = clock
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(logger *logging.Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// NewNotifier creates a notifier.
func NewNotifier(config Config, mailer Mailer, directory Directory, opts ...NotifierOption) *Notifier {
	if config.Signature == "" {
		config.Signature = "The HPC team"
	}
	if config.VOFileset == nil {
		config.VOFileset = func(string) bool { return false }
	}
	n := &Notifier{
		config:    config,
		mailer:    mailer,
		directory: directory,
		clock:     clockwork.NewRealClock(),
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify dispatches on the owner kind of the entity. Project owners are not
// notified and unknown owners are only logged.
func (n *Notifier) Notify(ctx context.Context, storage string, entity *models.QuotaEntity) error {
	switch entity.Kind {
	case models.KindUser:
		return n.notifyUser(ctx, storage, entity)
	case models.KindVO:
		return n.notifyVO(ctx, storage, entity)
	case models.KindProject:
		n.logger.InfoWithContext(ctx, "project quota notification is not supported", "storage", storage, "fileset", entity.Name())
		return nil
	default:
		n.logger.ErrorWithContext(ctx, "should send a mail, but cannot process item", "storage", storage, "item", entity.Name(), "kind", string(entity.Kind))
		return nil
	}
}

func (n *Notifier) notifyUser(ctx context.Context, storage string, entity *models.QuotaEntity) error {
	person, err := n.directory.Person(ctx, entity.Name())
	if err != nil {
		return fmt.Errorf("look up user %s: %w", entity.Name(), err)
	}

	body, err := render(userTemplate, userMessage{
		Name:      person.Name,
		Storages:  n.storageLabels(storage, entity),
		Time:      n.clock.Now().Format(time.ANSIC),
		Usage:     FormatUsage(entity),
		Signature: n.config.Signature,
	})
	if err != nil {
		return err
	}
	return n.send(ctx, storage, person, body)
}

func (n *Notifier) notifyVO(ctx context.Context, storage string, entity *models.QuotaEntity) error {
	moderators, err := n.directory.Moderators(ctx, entity.Name())
	if err != nil {
		return fmt.Errorf("look up moderators of %s: %w", entity.Name(), err)
	}
	if len(moderators) == 0 {
		n.logger.WarnWithContext(ctx, "VO has no moderators to notify", "vo", entity.Name())
		return nil
	}

	var errs []error
	for _, login := range moderators {
		person, err := n.directory.Person(ctx, login)
		if err != nil {
			errs = append(errs, fmt.Errorf("look up moderator %s: %w", login, err))
			continue
		}
		body, err := render(voTemplate, voMessage{
			Name:      person.Name,
			VO:        entity.Name(),
			Storage:   storage,
			Time:      n.clock.Now().Format(time.ANSIC),
			Usage:     FormatUsage(entity),
			Signature: n.config.Signature,
		})
		if err != nil {
			return err
		}
		if err := n.send(ctx, storage, person, body); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, storage string, to Person, body string) error {
	msg := mail.Message{
		From:    n.config.From,
		ReplyTo: n.config.ReplyTo,
		To:      []string{to.Email},
		Subject: fmt.Sprintf("Quota on %s exceeded", storage),
		Body:    body,
	}
	if n.config.DryRun {
		n.logger.InfoWithContext(ctx, "dry run, would send message", "recipient", to.Login, "subject", msg.Subject, "message", body)
		return nil
	}
	if err := n.mailer.Send(ctx, msg); err != nil {
		return err
	}
	n.logger.InfoWithContext(ctx, "notification sent", "recipient", to.Login, "storage", storage)
	return nil
}

// storageLabels names the storages a user exceeded on: the storage itself
// for personal filesets and its _VO variant for VO filesets.
func (n *Notifier) storageLabels(storage string, entity *models.QuotaEntity) string {
	var personal, vo bool
	for fs, r := range entity.Records {
		if !r.Exceeds() {
			continue
		}
		if n.config.VOFileset(fs) {
			vo = true
		} else {
			personal = true
		}
	}
	var labels []string
	if personal {
		labels = append(labels, "$"+storage)
	}
	if vo {
		labels = append(labels, "$"+storage+"_VO")
	}
	return strings.Join(labels, ", ")
}

// NotifyExceeding runs every exceeding entity through the cache and notifies
// those it reports as updated. When a notification fails the cache entry is
// reverted so the next run tries again. It returns the number of entities
// a mail went out for; project and unknown owners are not counted.
func NotifyExceeding(ctx context.Context, cache *Cache, sender Sender, storage string, items []*models.QuotaEntity, threshold time.Duration, logger *logging.Logger) (int, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	sorted := append([]*models.QuotaEntity(nil), items...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	logger.InfoWithContext(ctx, "processing exceeding items", "storage", storage, "cache", cache.Name(), "count", len(sorted))

	notified, skipped := 0, 0
	var errs []error
	for _, item := range sorted {
		key := item.Name()
		updated, err := cache.Update(key, item.Exceedance(), threshold)
		if err != nil {
			errs = append(errs, fmt.Errorf("cache update for %s: %w", key, err))
			continue
		}
		logger.DebugWithContext(ctx, "cache entry checked", "storage", storage, "item", key, "updated", updated)
		if !updated {
			continue
		}
		if err := sender.Notify(ctx, storage, item); err != nil {
			cache.Revert(key)
			errs = append(errs, fmt.Errorf("notify %s: %w", key, err))
			continue
		}
		// project and unknown owners get no mail
		if item.Kind != models.KindUser && item.Kind != models.KindVO {
			skipped++
			continue
		}
		notified++
	}
	if skipped > 0 {
		logger.InfoWithContext(ctx, "exceeding items without a notification", "storage", storage, "cache", cache.Name(), "skipped", skipped)
	}
	return notified, stderrors.Join(errs...)
}

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/quotawatch/quotawatch/internal/accountpage"
	"github.com/quotawatch/quotawatch/internal/alerts"
	"github.com/quotawatch/quotawatch/internal/archive"
	"github.com/quotawatch/quotawatch/internal/config"
	"github.com/quotawatch/quotawatch/internal/engine"
	"github.com/quotawatch/quotawatch/internal/gpfs"
	"github.com/quotawatch/quotawatch/internal/logging"
	"github.com/quotawatch/quotawatch/internal/mail"
	"github.com/quotawatch/quotawatch/internal/metrics"
	"github.com/quotawatch/quotawatch/internal/quota"
	"github.com/quotawatch/quotawatch/internal/store"
	"github.com/quotawatch/quotawatch/internal/telegram"
)

// Overridable in tests.
var (
	userResolver    quota.UserResolver
	telegramAPI     func(token string) (telegram.BotAPI, error)
	metricNamespace = "quotawatch"
)

// app holds everything a command needs, built from one configuration.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	db      *store.DB
	metrics *metrics.Metrics
	engine  *engine.Engine
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Logging.Level)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(
		logging.WithOutput(os.Stderr),
		logging.WithLevel(level),
		logging.WithFormat(logging.Format(cfg.Logging.Format)),
		logging.WithService("quotawatch"),
	)
}

func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return loader, cfg, nil
}

func dbPath(cfg *config.Config) string {
	if globalFlags.DBPath != "" {
		return globalFlags.DBPath
	}
	return cfg.Database.Path
}

// newApp opens the database and wires the engine for cfg.
func newApp(cfg *config.Config) (*app, error) {
	logger := newLogger(cfg)

	db, err := store.OpenDB(dbPath(cfg))
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		metrics: metrics.NewMetrics(metricNamespace),
	}
	a.engine, err = a.buildEngine(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// buildEngine wires the engine for cfg against the already open database and
// metrics. It runs again on every configuration reload.
func (a *app) buildEngine(cfg *config.Config) (*engine.Engine, error) {
	logger := a.logger
	dryRun := globalFlags.DryRun

	client, err := accountpage.NewClient(accountpage.Config{
		URL:       cfg.AccountPage.URL,
		Token:     cfg.AccountPage.Token,
		Timeout:   cfg.AccountPage.Timeout,
		UserAgent: "quotawatch/" + version,
	})
	if err != nil {
		return nil, fmt.Errorf("account page: %w", err)
	}

	mailer := mail.NewSMTPMailer(mail.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		StartTLS: cfg.Mail.StartTLS,
	})
	mailDryRun := dryRun || !cfg.Mail.Enabled
	if !cfg.Mail.Enabled {
		logger.Info("mail disabled, notifications are logged only")
	}

	admins, err := buildAdmins(cfg, mailer, mailDryRun, dryRun, logger)
	if err != nil {
		return nil, err
	}

	var e *engine.Engine
	notifier := alerts.NewNotifier(alerts.Config{
		From:    cfg.Mail.From,
		ReplyTo: cfg.Mail.ReplyTo,
		DryRun:  mailDryRun,
		VOFileset: func(name string) bool {
			return e.Classifier().IsVOFileset(name)
		},
	}, mailer, client, alerts.WithNotifierLogger(logger))

	e = engine.New(cfg, engine.Deps{
		Source:    buildSource(cfg),
		Transport: client,
		Caches:    cacheBackend(cfg, a.db),
		Sender:    notifier,
		Users:     userResolver,
		Runs:      a.db,
		Admins:    admins,
		Metrics:   a.metrics,
	}, engine.WithLogger(logger), engine.WithDryRun(dryRun))
	return e, nil
}

// cacheStore is a notification cache backend that can also be cleared.
type cacheStore interface {
	alerts.CacheBackend
	ClearCache(ctx context.Context, name string) error
}

func cacheBackend(cfg *config.Config, db *store.DB) cacheStore {
	if cfg.Cache.Backend == "file" {
		return store.NewFileCache(cfg.Cache.Path)
	}
	return db
}

func buildSource(cfg *config.Config) gpfs.Source {
	if cfg.GPFS.SnapshotDir != "" {
		return &archive.Source{Dir: cfg.GPFS.SnapshotDir, Filesystems: cfg.Filesystems()}
	}
	return gpfs.NewCommandSource(cfg.GPFS.MMRepQuota, cfg.GPFS.MMLsFileset, cfg.Filesystems())
}

func buildAdmins(cfg *config.Config, mailer alerts.Mailer, mailDryRun, dryRun bool, logger *logging.Logger) ([]engine.AdminNotifier, error) {
	var admins []engine.AdminNotifier
	if len(cfg.Mail.AdminTo) > 0 {
		admins = append(admins, alerts.NewAdmin(mailer, cfg.Mail.From, cfg.Mail.AdminTo, mailDryRun, logger))
	}

	if cfg.Telegram.Enabled && !dryRun {
		newAPI := telegramAPI
		if newAPI == nil {
			newAPI = func(token string) (telegram.BotAPI, error) {
				return telegram.NewTGBotAPIClient(token)
			}
		}
		api, err := newAPI(cfg.Telegram.BotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		admins = append(admins, telegram.NewNotifier(api, cfg.Telegram.ChatID, logger))
	}
	return admins, nil
}

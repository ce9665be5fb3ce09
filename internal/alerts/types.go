package alerts

import (
	"context"

	"github.com/quotawatch/quotawatch/internal/mail"
)

// Target is the entity group a notification cache covers.
type Target string

const (
	// TargetUsers covers per-user quota.
	TargetUsers Target = "users"
	// TargetFilesets covers per-fileset (VO and project) quota.
	TargetFilesets Target = "filesets"
)

// CacheName returns the cache name for a target on a filesystem.
func CacheName(filesystem string, target Target) string {
	return filesystem + "_" + string(target)
}

// Person is a mail recipient as known to the account directory.
type Person struct {
	Login string
	Name  string
	Email string
}

// Directory resolves logins and VO moderators.
type Directory interface {
	Person(ctx context.Context, login string) (Person, error)
	Moderators(ctx context.Context, vo string) ([]string, error)
}

// Mailer delivers a mail message.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

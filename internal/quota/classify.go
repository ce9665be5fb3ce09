package quota

import (
	"os/user"
	"strings"
	"sync"

	"github.com/quotawatch/quotawatch/internal/models"
)

// UserResolver maps a numeric uid to a login name.
type UserResolver interface {
	LookupUID(uid string) (string, bool)
}

// SystemUsers resolves uids through the system account database and
// remembers the answers.
type SystemUsers struct {
	mu    sync.Mutex
	names map[string]string
}

// NewSystemUsers creates a resolver backed by os/user.
func NewSystemUsers() *SystemUsers {
	return &SystemUsers{names: make(map[string]string)}
}

// LookupUID implements UserResolver.
func (s *SystemUsers) LookupUID(uid string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.names[uid]; ok {
		return name, name != ""
	}
	name := ""
	if u, err := user.LookupId(uid); err == nil {
		name = u.Username
	}
	s.names[uid] = name
	return name, name != ""
}

// StaticUsers is a fixed uid to name table.
type StaticUsers map[string]string

// LookupUID implements UserResolver.
func (s StaticUsers) LookupUID(uid string) (string, bool) {
	name, ok := s[uid]
	return name, ok
}

// Classifier decides owner kinds from name prefixes.
type Classifier struct {
	UserPrefix    string
	VOPrefix      string
	ProjectPrefix string
	Ignored       []string
	Users         UserResolver
}

// User resolves a uid to its login name and kind. Accounts without a name
// or outside the user prefix are KindUnknown.
func (c *Classifier) User(uid string) (string, models.OwnerKind) {
	name, ok := c.Users.LookupUID(uid)
	if !ok {
		return "", models.KindUnknown
	}
	if strings.HasPrefix(name, c.UserPrefix) {
		return name, models.KindUser
	}
	return name, models.KindUnknown
}

// Fileset classifies a fileset by its name.
func (c *Classifier) Fileset(name string) models.OwnerKind {
	switch {
	case c.VOPrefix != "" && strings.HasPrefix(name, c.VOPrefix):
		return models.KindVO
	case c.ProjectPrefix != "" && strings.HasPrefix(name, c.ProjectPrefix):
		return models.KindProject
	case c.UserPrefix != "" && strings.HasPrefix(name, c.UserPrefix):
		return models.KindUser
	}
	return models.KindUnknown
}

// IsVOFileset reports whether a fileset name belongs to a VO.
func (c *Classifier) IsVOFileset(name string) bool {
	return c.VOPrefix != "" && strings.HasPrefix(name, c.VOPrefix)
}

// IsIgnored reports whether the account is excluded from notification and push.
func (c *Classifier) IsIgnored(name string) bool {
	for _, ignored := range c.Ignored {
		if ignored == name {
			return true
		}
	}
	return false
}

// VisibleToUser reports whether a fileset may appear in a user's usage
// report. userFileset is the name of the storage's per-user fileset.
func (c *Classifier) VisibleToUser(fileset, userFileset string) bool {
	if strings.HasPrefix(fileset, c.UserPrefix) || c.IsVOFileset(fileset) {
		return true
	}
	return userFileset != "" && strings.HasPrefix(fileset, userFileset)
}

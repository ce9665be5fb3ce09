// Package quota turns raw GPFS quota rows into per-owner aggregates and
// scans fileset inode usage.
package quota

import (
	"regexp"
	"strconv"

	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/models"
)

var (
	noGraceRegex = regexp.MustCompile(`(?i)none`)
	graceRegex   = regexp.MustCompile(`(?P<days>\d+)\s*days?|(?P<hours>\d+)\s*hours?|(?P<minutes>\d+)\s*minutes?|(?P<expired>expired)`)
)

var graceUnits = map[string]int64{
	"days":    86400,
	"hours":   3600,
	"minutes": 60,
}

// ParseGrace converts a grace string reported by mmrepquota into a grace
// state. "none" wins over everything else, then the first unit count or the
// literal "expired" found in the string. Any other input is an error.
func ParseGrace(s string) (models.GraceState, error) {
	if noGraceRegex.MatchString(s) {
		return models.NoGrace, nil
	}

	match := graceRegex.FindStringSubmatch(s)
	if match == nil {
		return models.GraceState{}, &errors.ErrGraceParse{Value: s}
	}

	for i, name := range graceRegex.SubexpNames() {
		if name == "" || match[i] == "" {
			continue
		}
		if name == "expired" {
			return models.Grace(0), nil
		}
		n, err := strconv.ParseInt(match[i], 10, 64)
		if err != nil {
			return models.GraceState{}, &errors.ErrGraceParse{Value: s}
		}
		unit := graceUnits[name]
		if n > (1<<63-1)/unit {
			return models.GraceState{}, &errors.ErrGraceParse{Value: s}
		}
		return models.Grace(n * unit), nil
	}

	return models.GraceState{}, &errors.ErrGraceParse{Value: s}
}

// Package gpfs holds the raw quota and fileset data produced by the GPFS
// administration commands and the sources that obtain it.
package gpfs

import (
	"context"

	"github.com/quotawatch/quotawatch/internal/errors"
)

// Quota types reported by mmrepquota.
const (
	QuotaUser    = "USR"
	QuotaGroup   = "GRP"
	QuotaFileset = "FILESET"
)

// QuotaRow is one raw mmrepquota line. Block figures are in KiB as reported,
// before any replication-factor normalisation.
type QuotaRow struct {
	Filesystem   string `json:"filesystemName"`
	QuotaType    string `json:"quotaType"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	BlockUsage   int64  `json:"blockUsage"`
	BlockQuota   int64  `json:"blockQuota"`
	BlockLimit   int64  `json:"blockLimit"`
	BlockInDoubt int64  `json:"blockInDoubt"`
	BlockGrace   string `json:"blockGrace"`
	FilesUsage   int64  `json:"filesUsage"`
	FilesQuota   int64  `json:"filesQuota"`
	FilesLimit   int64  `json:"filesLimit"`
	FilesInDoubt int64  `json:"filesInDoubt"`
	FilesGrace   string `json:"filesGrace"`
	// FilesetID is empty for quota that is not bound to a fileset.
	FilesetID string `json:"fid"`
}

// QuotaMap groups the rows of one filesystem by quota type and entity id.
// An id maps to a list because it can have rows for several filesets.
type QuotaMap struct {
	Users    map[string][]QuotaRow `json:"USR"`
	Groups   map[string][]QuotaRow `json:"GRP,omitempty"`
	Filesets map[string][]QuotaRow `json:"FILESET"`
}

// NewQuotaMap returns a map with all groups allocated.
func NewQuotaMap() QuotaMap {
	return QuotaMap{
		Users:    make(map[string][]QuotaRow),
		Groups:   make(map[string][]QuotaRow),
		Filesets: make(map[string][]QuotaRow),
	}
}

// Add files a row under its quota type. Unknown types are ignored.
func (q QuotaMap) Add(row QuotaRow) {
	switch row.QuotaType {
	case QuotaUser:
		q.Users[row.ID] = append(q.Users[row.ID], row)
	case QuotaGroup:
		q.Groups[row.ID] = append(q.Groups[row.ID], row)
	case QuotaFileset:
		q.Filesets[row.ID] = append(q.Filesets[row.ID], row)
	}
}

// FilesetInfo is the structural description of one fileset.
type FilesetInfo struct {
	Filesystem  string `json:"filesystemName"`
	Name        string `json:"filesetName"`
	ID          string `json:"id"`
	Path        string `json:"path"`
	MaxInodes   int64  `json:"maxInodes"`
	AllocInodes int64  `json:"allocInodes"`
}

// FilesetIndex maps filesystem -> fileset id -> fileset info.
type FilesetIndex map[string]map[string]FilesetInfo

// Add registers a fileset.
func (ix FilesetIndex) Add(info FilesetInfo) {
	if ix[info.Filesystem] == nil {
		ix[info.Filesystem] = make(map[string]FilesetInfo)
	}
	ix[info.Filesystem][info.ID] = info
}

// Lookup resolves a fileset id on a filesystem.
func (ix FilesetIndex) Lookup(filesystem, id string) (FilesetInfo, error) {
	info, ok := ix[filesystem][id]
	if !ok {
		return FilesetInfo{}, &errors.ErrFilesetLookup{Filesystem: filesystem, FilesetID: id}
	}
	return info, nil
}

// Source yields raw quota and fileset metadata for all filesystems.
type Source interface {
	ListQuota(ctx context.Context) (map[string]QuotaMap, error)
	ListFilesets(ctx context.Context) (FilesetIndex, error)
}

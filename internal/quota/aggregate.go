package quota

import (
	"time"

	"github.com/quotawatch/quotawatch/internal/gpfs"
	"github.com/quotawatch/quotawatch/internal/models"
)

// Aggregator builds quota entities for one storage on one filesystem.
type Aggregator struct {
	Storage           string
	Filesystem        string
	ReplicationFactor int64
	Index             gpfs.FilesetIndex
	Classifier        *Classifier
	Now               time.Time
}

// Users aggregates the per-uid rows. The result is keyed by uid; owner names
// and kinds are resolved here once.
func (a *Aggregator) Users(rows map[string][]gpfs.QuotaRow) (map[string]*models.QuotaEntity, error) {
	out := make(map[string]*models.QuotaEntity, len(rows))
	for uid, list := range rows {
		entity := models.NewQuotaEntity(a.Storage, a.Filesystem, uid)
		if a.Classifier != nil {
			entity.OwnerName, entity.Kind = a.Classifier.User(uid)
		}
		if err := a.update(entity, list); err != nil {
			return nil, err
		}
		out[uid] = entity
	}
	return out, nil
}

// Filesets aggregates the per-fileset rows, keyed by fileset id. The entity
// name is the fileset name from the fileset metadata.
func (a *Aggregator) Filesets(rows map[string][]gpfs.QuotaRow) (map[string]*models.QuotaEntity, error) {
	out := make(map[string]*models.QuotaEntity, len(rows))
	for id, list := range rows {
		info, err := a.Index.Lookup(a.Filesystem, id)
		if err != nil {
			return nil, err
		}
		entity := models.NewQuotaEntity(a.Storage, a.Filesystem, id)
		entity.OwnerName = info.Name
		if a.Classifier != nil {
			entity.Kind = a.Classifier.Fileset(info.Name)
		}
		if err := a.update(entity, list); err != nil {
			return nil, err
		}
		out[id] = entity
	}
	return out, nil
}

func (a *Aggregator) update(entity *models.QuotaEntity, rows []gpfs.QuotaRow) error {
	for _, row := range rows {
		fileset, record, err := a.record(row)
		if err != nil {
			return err
		}
		entity.Update(fileset, record)
	}
	return nil
}

// record converts one raw row. Capacity is floor-divided by the replication
// factor; file counts are exact inode counts and stay as they are.
func (a *Aggregator) record(row gpfs.QuotaRow) (string, models.QuotaRecord, error) {
	expired, err := ParseGrace(row.BlockGrace)
	if err != nil {
		return "", models.QuotaRecord{}, err
	}
	filesExpired, err := ParseGrace(row.FilesGrace)
	if err != nil {
		return "", models.QuotaRecord{}, err
	}

	fileset := ""
	if row.FilesetID != "" {
		info, err := a.Index.Lookup(a.Filesystem, row.FilesetID)
		if err != nil {
			return "", models.QuotaRecord{}, err
		}
		fileset = info.Name
	}

	rf := a.ReplicationFactor
	if rf < 1 {
		rf = 1
	}

	return fileset, models.QuotaRecord{
		Used:         row.BlockUsage / rf,
		Soft:         row.BlockQuota / rf,
		Hard:         row.BlockLimit / rf,
		Doubt:        row.BlockInDoubt / rf,
		Expired:      expired,
		FilesUsed:    row.FilesUsage,
		FilesSoft:    row.FilesQuota,
		FilesHard:    row.FilesLimit,
		FilesDoubt:   row.FilesInDoubt,
		FilesExpired: filesExpired,
		Timestamp:    a.Now,
	}, nil
}

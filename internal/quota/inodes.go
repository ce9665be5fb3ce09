package quota

import (
	"github.com/quotawatch/quotawatch/internal/gpfs"
	"github.com/quotawatch/quotawatch/internal/models"
)

// DefaultInodeThreshold is the used/max fraction above which a fileset is
// critical.
const DefaultInodeThreshold = 0.9

// ScanInodes flags the filesets of one filesystem whose inode usage is
// strictly above threshold*maxInodes. Usage is the files count of the first
// quota row of the fileset. Filesets without a maximum are never flagged.
func ScanInodes(filesets map[string]gpfs.FilesetInfo, usage map[string][]gpfs.QuotaRow, threshold float64) map[string]models.InodeCritical {
	critical := make(map[string]models.InodeCritical)
	for id, info := range filesets {
		if info.MaxInodes <= 0 {
			continue
		}
		rows := usage[id]
		if len(rows) == 0 {
			continue
		}
		used := rows[0].FilesUsage
		if float64(used) > threshold*float64(info.MaxInodes) {
			critical[info.Name] = models.InodeCritical{
				Used:      used,
				Allocated: info.AllocInodes,
				MaxInodes: info.MaxInodes,
			}
		}
	}
	return critical
}

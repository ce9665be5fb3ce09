package gpfs

import (
	"bufio"
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/quotawatch/quotawatch/internal/errors"
)

// ParseY parses the colon separated output of a GPFS command run with -Y.
// Each HEADER line names the columns of the data lines that follow it in the
// same section. Values are percent-decoded.
func ParseY(data []byte) ([]map[string]string, error) {
	headers := make(map[string][]string)
	var records []map[string]string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			return nil, fmt.Errorf("line %d: malformed -Y output", lineNo)
		}
		section := fields[0] + ":" + fields[1]
		if fields[2] == "HEADER" {
			headers[section] = fields
			continue
		}
		header, ok := headers[section]
		if !ok {
			return nil, fmt.Errorf("line %d: data before header for %s", lineNo, section)
		}
		record := make(map[string]string, len(header))
		for i := 3; i < len(header) && i < len(fields); i++ {
			if header[i] == "" {
				continue
			}
			value := fields[i]
			if decoded, err := url.PathUnescape(value); err == nil {
				value = decoded
			}
			record[header[i]] = value
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ParseQuota converts mmrepquota -Y output into per-filesystem quota maps.
func ParseQuota(data []byte) (map[string]QuotaMap, error) {
	records, err := ParseY(data)
	if err != nil {
		return nil, err
	}

	out := make(map[string]QuotaMap)
	for _, rec := range records {
		row, err := quotaRowFromRecord(rec)
		if err != nil {
			return nil, err
		}
		qm, ok := out[row.Filesystem]
		if !ok {
			qm = NewQuotaMap()
			out[row.Filesystem] = qm
		}
		qm.Add(row)
	}
	return out, nil
}

// ParseFilesets converts mmlsfileset -Y output into a fileset index.
func ParseFilesets(data []byte, ix FilesetIndex) error {
	records, err := ParseY(data)
	if err != nil {
		return err
	}
	for _, rec := range records {
		info := FilesetInfo{
			Filesystem: rec["filesystemName"],
			Name:       rec["filesetName"],
			ID:         rec["id"],
			Path:       rec["path"],
		}
		if info.MaxInodes, err = parseCount(rec, "maxInodes"); err != nil {
			return err
		}
		if info.AllocInodes, err = parseCount(rec, "allocInodes"); err != nil {
			return err
		}
		ix.Add(info)
	}
	return nil
}

func quotaRowFromRecord(rec map[string]string) (QuotaRow, error) {
	row := QuotaRow{
		Filesystem: rec["filesystemName"],
		QuotaType:  rec["quotaType"],
		ID:         rec["id"],
		Name:       rec["name"],
		BlockGrace: rec["blockGrace"],
		FilesGrace: rec["filesGrace"],
		FilesetID:  rec["fid"],
	}

	counters := []struct {
		field string
		dst   *int64
	}{
		{"blockUsage", &row.BlockUsage},
		{"blockQuota", &row.BlockQuota},
		{"blockLimit", &row.BlockLimit},
		{"blockInDoubt", &row.BlockInDoubt},
		{"filesUsage", &row.FilesUsage},
		{"filesQuota", &row.FilesQuota},
		{"filesLimit", &row.FilesLimit},
		{"filesInDoubt", &row.FilesInDoubt},
	}
	for _, c := range counters {
		v, err := parseCount(rec, c.field)
		if err != nil {
			return QuotaRow{}, err
		}
		*c.dst = v
	}
	return row, nil
}

func parseCount(rec map[string]string, field string) (int64, error) {
	raw := strings.TrimSpace(rec[field])
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &errors.ErrRawQuota{Field: field, Value: raw, Err: err}
	}
	return v, nil
}

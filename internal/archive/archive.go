// Package archive keeps gzipped JSON snapshots of raw quota and fileset
// inode data and replays them as a quota source.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/natefinch/atomic"

	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/gpfs"
)

// Kind is the type of snapshot.
type Kind string

const (
	KindQuota  Kind = "quota"
	KindInodes Kind = "inodes"
)

const stampLayout = "20060102-15:04"

// Filename returns the snapshot name for a filesystem at ts.
func Filename(kind Kind, filesystem string, ts time.Time) string {
	return fmt.Sprintf("gpfs_%s_%s_%s.gz", kind, ts.Format(stampLayout), filesystem)
}

// ParseFilename splits a snapshot name into its kind, timestamp and
// filesystem. ok is false for names not produced by Filename.
func ParseFilename(name string) (kind Kind, ts time.Time, filesystem string, ok bool) {
	rest, found := strings.CutPrefix(name, "gpfs_")
	if !found {
		return "", time.Time{}, "", false
	}
	rest, found = strings.CutSuffix(rest, ".gz")
	if !found {
		return "", time.Time{}, "", false
	}
	k, rest, found := strings.Cut(rest, "_")
	if !found || len(rest) < len(stampLayout)+2 || rest[len(stampLayout)] != '_' {
		return "", time.Time{}, "", false
	}
	ts, err := time.Parse(stampLayout, rest[:len(stampLayout)])
	if err != nil {
		return "", time.Time{}, "", false
	}
	return Kind(k), ts, rest[len(stampLayout)+1:], true
}

// WriteQuota stores the raw quota of one filesystem under dir.
func WriteQuota(dir, filesystem string, quota gpfs.QuotaMap, ts time.Time) (string, error) {
	return write(dir, Filename(KindQuota, filesystem, ts), quota)
}

// WriteInodes stores the fileset descriptions of one filesystem under dir.
func WriteInodes(dir, filesystem string, filesets map[string]gpfs.FilesetInfo, ts time.Time) (string, error) {
	return write(dir, Filename(KindInodes, filesystem, ts), filesets)
}

func write(dir, name string, v interface{}) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &errors.ErrDirectoryCreate{Path: dir, Err: err}
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	if err := atomic.WriteFile(path, &buf); err != nil {
		return "", &errors.ErrFileWrite{Path: path, Err: err}
	}
	return path, nil
}

// ReadQuota loads a quota snapshot.
func ReadQuota(path string) (gpfs.QuotaMap, error) {
	qm := gpfs.NewQuotaMap()
	if err := read(path, &qm); err != nil {
		return gpfs.QuotaMap{}, err
	}
	if qm.Users == nil {
		qm.Users = make(map[string][]gpfs.QuotaRow)
	}
	if qm.Filesets == nil {
		qm.Filesets = make(map[string][]gpfs.QuotaRow)
	}
	return qm, nil
}

// ReadInodes loads a fileset snapshot.
func ReadInodes(path string) (map[string]gpfs.FilesetInfo, error) {
	var filesets map[string]gpfs.FilesetInfo
	if err := read(path, &filesets); err != nil {
		return nil, err
	}
	return filesets, nil
}

func read(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return &errors.ErrFileRead{Path: path, Err: err}
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return &errors.ErrFileRead{Path: path, Err: err}
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return &errors.ErrFileRead{Path: path, Err: err}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &errors.ErrFileRead{Path: path, Err: err}
	}
	return nil
}

// Latest returns the newest snapshot of kind for filesystem in dir.
func Latest(dir string, kind Kind, filesystem string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("gpfs_%s_*_%s.gz", kind, filesystem)))
	if err != nil {
		return "", err
	}

	prefix := fmt.Sprintf("gpfs_%s_", kind)
	suffix := fmt.Sprintf("_%s.gz", filesystem)
	var candidates []string
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), suffix)
		if _, err := time.Parse(stampLayout, stamp); err == nil {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", &errors.ErrFileRead{Path: filepath.Join(dir, prefix+"*"+suffix), Err: os.ErrNotExist}
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

// Source replays the newest snapshots of each filesystem.
type Source struct {
	Dir         string
	Filesystems []string
}

// ListQuota implements gpfs.Source.
func (s *Source) ListQuota(_ context.Context) (map[string]gpfs.QuotaMap, error) {
	out := make(map[string]gpfs.QuotaMap, len(s.Filesystems))
	for _, fs := range s.Filesystems {
		path, err := Latest(s.Dir, KindQuota, fs)
		if err != nil {
			return nil, err
		}
		qm, err := ReadQuota(path)
		if err != nil {
			return nil, err
		}
		out[fs] = qm
	}
	return out, nil
}

// ListFilesets implements gpfs.Source.
func (s *Source) ListFilesets(_ context.Context) (gpfs.FilesetIndex, error) {
	ix := make(gpfs.FilesetIndex)
	for _, fs := range s.Filesystems {
		path, err := Latest(s.Dir, KindInodes, fs)
		if err != nil {
			return nil, err
		}
		filesets, err := ReadInodes(path)
		if err != nil {
			return nil, err
		}
		for id, info := range filesets {
			info.Filesystem = fs
			if info.ID == "" {
				info.ID = id
			}
			ix.Add(info)
		}
	}
	return ix, nil
}

var _ gpfs.Source = (*Source)(nil)

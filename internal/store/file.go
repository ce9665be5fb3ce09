package store

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/natefinch/atomic"

	"github.com/quotawatch/quotawatch/internal/errors"
	"github.com/quotawatch/quotawatch/internal/models"
)

// FileCache keeps each notification cache in a gzipped JSON file under Dir.
// Files are replaced atomically on write.
type FileCache struct {
	Dir string
}

// NewFileCache creates a file backed cache store rooted at dir.
func NewFileCache(dir string) *FileCache {
	return &FileCache{Dir: dir}
}

// Path returns the file holding the named cache.
func (c *FileCache) Path(name string) string {
	return filepath.Join(c.Dir, ".quota_"+name+"_cache.json.gz")
}

// LoadCache reads the named cache. A missing file is an empty cache.
func (c *FileCache) LoadCache(_ context.Context, name string) (map[string]models.CacheEntry, error) {
	path := c.Path(name)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(map[string]models.CacheEntry), nil
	}
	if err != nil {
		return nil, &errors.ErrFileRead{Path: path, Err: err}
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: path, Err: err}
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, &errors.ErrFileRead{Path: path, Err: err}
	}

	entries := make(map[string]models.CacheEntry)
	if len(bytes.TrimSpace(data)) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &errors.ErrFileRead{Path: path, Err: err}
	}
	return entries, nil
}

// ReplaceCache writes the whole cache to a temporary file and renames it
// over the previous one.
func (c *FileCache) ReplaceCache(_ context.Context, name string, entries map[string]models.CacheEntry) error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return &errors.ErrDirectoryCreate{Path: c.Dir, Err: err}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	path := c.Path(name)
	if err := atomic.WriteFile(path, &buf); err != nil {
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	return nil
}

// ClearCache removes the cache file.
func (c *FileCache) ClearCache(_ context.Context, name string) error {
	path := c.Path(name)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &errors.ErrFileWrite{Path: path, Err: err}
	}
	return nil
}

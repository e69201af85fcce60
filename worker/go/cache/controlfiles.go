package cache

import (
	"encoding/json"
	"os"

	"go.skia.org/mrtaskman/go/skerr"
)

// Control files at the cache root (spec §4.3). All reads and writes of
// these happen while the caller holds the lock returned by acquireLock.
const (
	cacheInfoFile   = ".cache_info"
	indexFile       = ".index"
	downloadingFile = ".downloading"
	copyingFile     = ".copying"
)

// cacheInfo is the configuration snapshot written once at bootstrap.
type cacheInfo struct {
	MaxSizeBytes            int64   `json:"max_size_bytes"`
	MinDurationSeconds      int64   `json:"min_duration_seconds"`
	LowWatermarkPercentage  float64 `json:"low_watermark_percentage"`
	HighWatermarkPercentage float64 `json:"high_watermark_percentage"`
}

// indexEntry describes one cached, fully-downloaded package.
type indexEntry struct {
	PID       int    `json:"pid"`
	CacheDir  string `json:"cache_dir"`
	Timestamp int64  `json:"timestamp"`
	SizeBytes int64  `json:"size_bytes"`
}

// indexContents is the parsed form of .index: per-package entries plus the
// running total_size counter (spec §3, Cache Index Entry).
type indexContents struct {
	Entries   map[string]indexEntry `json:"entries"`
	TotalSize int64                 `json:"total_size"`
}

// downloadingEntry records an in-flight download of a package.
type downloadingEntry struct {
	PID       int    `json:"pid"`
	Directory string `json:"directory"`
	Timestamp int64  `json:"timestamp"`
}

type downloadingContents struct {
	Entries map[string]downloadingEntry `json:"entries"`
}

// copyingRecord marks one in-progress copy out of the cache for a package;
// several may be in flight for the same key at once.
type copyingRecord struct {
	PID       int   `json:"pid"`
	Timestamp int64 `json:"timestamp"`
}

type copyingContents struct {
	Entries map[string][]copyingRecord `json:"entries"`
}

func (c *Cache) path(name string) string {
	return c.rootPath + string(os.PathSeparator) + name
}

func readJSONFile(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

func (c *Cache) readCacheInfo() (*cacheInfo, error) {
	var info cacheInfo
	if err := readJSONFile(c.path(cacheInfoFile), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Cache) readIndex() (*indexContents, error) {
	idx := &indexContents{Entries: map[string]indexEntry{}}
	if err := readJSONFile(c.path(indexFile), idx); err != nil {
		return nil, err
	}
	if idx.Entries == nil {
		idx.Entries = map[string]indexEntry{}
	}
	return idx, nil
}

func (c *Cache) writeIndex(idx *indexContents) error {
	return writeJSONFile(c.path(indexFile), idx)
}

func (c *Cache) readDownloading() (*downloadingContents, error) {
	dl := &downloadingContents{Entries: map[string]downloadingEntry{}}
	if err := readJSONFile(c.path(downloadingFile), dl); err != nil {
		return nil, err
	}
	if dl.Entries == nil {
		dl.Entries = map[string]downloadingEntry{}
	}
	return dl, nil
}

func (c *Cache) writeDownloading(dl *downloadingContents) error {
	return writeJSONFile(c.path(downloadingFile), dl)
}

func (c *Cache) removeDownloading(key string) error {
	dl, err := c.readDownloading()
	if err != nil {
		return err
	}
	delete(dl.Entries, key)
	return c.writeDownloading(dl)
}

func (c *Cache) readCopying() (*copyingContents, error) {
	cp := &copyingContents{Entries: map[string][]copyingRecord{}}
	if err := readJSONFile(c.path(copyingFile), cp); err != nil {
		return nil, err
	}
	if cp.Entries == nil {
		cp.Entries = map[string][]copyingRecord{}
	}
	return cp, nil
}

func (c *Cache) writeCopying(cp *copyingContents) error {
	return writeJSONFile(c.path(copyingFile), cp)
}

func (c *Cache) addCopying(key string, timestamp int64) error {
	cp, err := c.readCopying()
	if err != nil {
		return err
	}
	cp.Entries[key] = append(cp.Entries[key], copyingRecord{PID: c.pid, Timestamp: timestamp})
	return c.writeCopying(cp)
}

// removeCopying drops this process's own copying record for key (spec
// §4.3 hit path: "reacquire lock, remove the copying record").
func (c *Cache) removeCopying(key string) error {
	cp, err := c.readCopying()
	if err != nil {
		return err
	}
	records := cp.Entries[key]
	kept := records[:0]
	for _, rec := range records {
		if rec.PID != c.pid {
			kept = append(kept, rec)
		}
	}
	if len(kept) == 0 {
		delete(cp.Entries, key)
	} else {
		cp.Entries[key] = kept
	}
	return c.writeCopying(cp)
}

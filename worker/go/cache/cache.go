// Package cache implements the worker's per-host package cache (spec §4.3):
// a multi-process, file-locked on-disk cache with watermark-based LRU
// eviction that coordinates concurrent downloads of the same package across
// worker processes sharing a host. Grounded on
// _examples/original_source/client/package_cache.py, the genuine MrTaskman
// worker's PackageCache, reworked from shell-outs (`cp -Rf`, the `lockfile`
// binary, `portalocker`) into native Go using gofslock for the advisory
// file lock and go/du for directory sizing.
package cache

import (
	"context"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"go.skia.org/mrtaskman/go/now"
	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/sklog"
)

// downloadTimeout is how long a .downloading record is honored before the
// next caller treats it as stale and starts a fresh download (spec §4.3).
const downloadTimeout = 5 * time.Minute

// waitPollInterval is how long CopyToDirectory sleeps between checks of a
// download it is waiting on (spec §4.3: "sleep 10s, reacquire").
const waitPollInterval = 10 * time.Second

// Config is the cache's configuration snapshot, written to .cache_info at
// bootstrap and left untouched by every later connecting process (spec
// §4.3 Bootstrapping).
type Config struct {
	MaxSizeBytes            int64
	MinDurationSeconds      int64
	LowWatermarkPercentage  float64
	HighWatermarkPercentage float64

	// WaitPollInterval overrides how long CopyToDirectory sleeps between
	// checks of a download it's waiting on. Zero means waitPollInterval
	// (10s, per spec). Tests shrink this to avoid a slow test suite.
	WaitPollInterval time.Duration
}

// PackageInfo identifies the package being fetched.
type PackageInfo struct {
	Name    string
	Version int
}

// OnCacheMiss populates dir with the contents of the named package version,
// e.g. by downloading and unpacking it from the registry.
type OnCacheMiss func(ctx context.Context, name string, version int, dir string) error

// Cache is a handle onto a package cache rooted at a directory on disk.
// Safe for concurrent use by multiple processes; the rootPath's control
// files, not any in-process mutex, are what serialize access.
type Cache struct {
	rootPath         string
	cfg              Config
	pid              int
	lockPollInterval time.Duration
	waitPollInterval time.Duration
}

// New connects to the cache rooted at rootPath, creating it (and writing
// its four control files) if this is the first process to see it (spec
// §4.3 Bootstrapping).
func New(rootPath string, cfg Config) (*Cache, error) {
	if cfg.LowWatermarkPercentage < 0 {
		return nil, skerr.Fmt("low_watermark_percentage must be >= 0")
	}
	if cfg.HighWatermarkPercentage <= cfg.LowWatermarkPercentage {
		return nil, skerr.Fmt("high_watermark_percentage must be > low_watermark_percentage")
	}
	if cfg.MaxSizeBytes < 0 {
		return nil, skerr.Fmt("max_size_bytes must be >= 0")
	}
	if cfg.MinDurationSeconds < 0 {
		return nil, skerr.Fmt("min_duration_seconds must be >= 0")
	}
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, skerr.Wrap(err)
	}

	wait := cfg.WaitPollInterval
	if wait == 0 {
		wait = waitPollInterval
	}
	c := &Cache{
		rootPath:         rootPath,
		cfg:              cfg,
		pid:              os.Getpid(),
		lockPollInterval: defaultLockPollInterval,
		waitPollInterval: wait,
	}

	h, err := c.acquireLock()
	if err != nil {
		return nil, err
	}
	defer h.Unlock()

	if _, err := os.Stat(c.path(cacheInfoFile)); err == nil {
		sklog.Infof("connecting to established cache at %s", rootPath)
		return c, nil
	} else if !os.IsNotExist(err) {
		return nil, skerr.Wrap(err)
	}

	sklog.Infof("creating cache at %s", rootPath)
	if err := writeJSONFile(c.path(cacheInfoFile), cacheInfo{
		MaxSizeBytes:            cfg.MaxSizeBytes,
		MinDurationSeconds:      cfg.MinDurationSeconds,
		LowWatermarkPercentage:  cfg.LowWatermarkPercentage,
		HighWatermarkPercentage: cfg.HighWatermarkPercentage,
	}); err != nil {
		return nil, err
	}
	if err := c.writeIndex(&indexContents{Entries: map[string]indexEntry{}}); err != nil {
		return nil, err
	}
	if err := c.writeDownloading(&downloadingContents{Entries: map[string]downloadingEntry{}}); err != nil {
		return nil, err
	}
	if err := c.writeCopying(&copyingContents{Entries: map[string][]copyingRecord{}}); err != nil {
		return nil, err
	}
	return c, nil
}

// FormatPackageKey returns the cache's on-disk key for (name, version),
// matching the registry's own "{name}^^^{version}" format (spec §3).
func FormatPackageKey(name string, version int) string {
	return name + "^^^" + strconv.Itoa(version)
}

// CopyToDirectory copies pkg's files into destDir, downloading it via
// onCacheMiss first if it isn't already cached (spec §4.3 CopyToDirectory).
func (c *Cache) CopyToDirectory(ctx context.Context, pkg PackageInfo, destDir string, onCacheMiss OnCacheMiss) error {
	if pkg.Name == "" {
		return skerr.Fmt("package name is required")
	}
	if info, err := os.Stat(destDir); err != nil || !info.IsDir() {
		return skerr.Fmt("destination directory %q does not exist", destDir)
	}
	key := FormatPackageKey(pkg.Name, pkg.Version)

	h, err := c.acquireLock()
	if err != nil {
		return err
	}

	idx, err := c.readIndex()
	if err != nil {
		h.Unlock()
		return err
	}

	if entry, ok := idx.Entries[key]; ok {
		entry.Timestamp = c.nowEpoch(ctx)
		idx.Entries[key] = entry
		if err := c.writeIndex(idx); err != nil {
			h.Unlock()
			return err
		}
		if err := c.addCopying(key, c.nowEpoch(ctx)); err != nil {
			h.Unlock()
			return err
		}
		h.Unlock()
		return c.copyFromCache(key, entry.CacheDir, destDir)
	}

	dl, err := c.readDownloading()
	if err != nil {
		h.Unlock()
		return err
	}
	if rec, ok := dl.Entries[key]; ok && rec.PID != c.pid && c.nowEpoch(ctx)-rec.Timestamp < int64(downloadTimeout.Seconds()) {
		h.Unlock()
		sklog.Infof("%s is already downloading, waiting", key)
		if err := c.waitForDownload(ctx, key); err != nil {
			return err
		}
		return c.CopyToDirectory(ctx, pkg, destDir, onCacheMiss)
	}

	cacheDir := c.path(key + "-" + uuid.NewString())
	dl.Entries[key] = downloadingEntry{PID: c.pid, Directory: cacheDir, Timestamp: c.nowEpoch(ctx)}
	if err := c.writeDownloading(dl); err != nil {
		h.Unlock()
		return err
	}
	h.Unlock()

	return c.downloadAndCopy(ctx, key, cacheDir, destDir, pkg, onCacheMiss)
}

// copyFromCache implements the hit path's post-copy bookkeeping: copy while
// unlocked, then reacquire to drop this process's copying record.
func (c *Cache) copyFromCache(key, cacheDir, destDir string) error {
	sklog.Infof("cache hit for %s, copying %s -> %s", key, cacheDir, destDir)
	copyErr := copyDirectoryContents(cacheDir, destDir)

	h, err := c.acquireLock()
	if err != nil {
		return err
	}
	defer h.Unlock()
	if err := c.removeCopying(key); err != nil {
		return err
	}
	return copyErr
}

// waitForDownload blocks until key's .downloading entry clears, or ctx is
// canceled.
func (c *Cache) waitForDownload(ctx context.Context, key string) error {
	for {
		h, err := c.acquireLock()
		if err != nil {
			return err
		}
		dl, err := c.readDownloading()
		if err != nil {
			h.Unlock()
			return err
		}
		rec, stillGoing := dl.Entries[key]
		h.Unlock()
		if !stillGoing || c.nowEpoch(ctx)-rec.Timestamp >= int64(downloadTimeout.Seconds()) {
			return nil
		}
		sklog.Infof("still waiting for %s to download", key)
		select {
		case <-ctx.Done():
			return skerr.Wrap(ctx.Err())
		case <-time.After(c.waitPollInterval):
		}
	}
}

// downloadAndCopy runs onCacheMiss to populate cacheDir, indexes it, clears
// the downloading record, then copies it out to destDir (spec §4.3 miss
// path).
func (c *Cache) downloadAndCopy(ctx context.Context, key, cacheDir, destDir string, pkg PackageInfo, onCacheMiss OnCacheMiss) error {
	sklog.Infof("cache miss for %s, downloading to %s", key, cacheDir)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return skerr.Wrap(err)
	}

	if err := onCacheMiss(ctx, pkg.Name, pkg.Version, cacheDir); err != nil {
		// Leave the partial directory on disk (spec §4.3 Failure semantics:
		// "partial downloads ... remain on disk but are not in .index; they
		// are not served"), but clear our own downloading record so the next
		// caller doesn't wait out the full 5-minute staleness window.
		if h, lockErr := c.acquireLock(); lockErr == nil {
			_ = c.removeDownloading(key)
			h.Unlock()
		}
		return skerr.Wrap(err)
	}

	sizeBytes, err := dirSize(ctx, cacheDir)
	if err != nil {
		return err
	}

	h, err := c.acquireLock()
	if err != nil {
		return err
	}
	if err := c.addToIndex(ctx, key, cacheDir, sizeBytes); err != nil {
		h.Unlock()
		return err
	}
	if err := c.removeDownloading(key); err != nil {
		h.Unlock()
		return err
	}
	h.Unlock()

	return copyDirectoryContents(cacheDir, destDir)
}

// addToIndex inserts a new entry of size sizeBytes, first evicting entries
// per the watermark algorithm if the insert would exceed max_size_bytes
// (spec §4.3 AddToIndex / LRU eviction). Caller must hold the lock.
func (c *Cache) addToIndex(ctx context.Context, key, cacheDir string, sizeBytes int64) error {
	idx, err := c.readIndex()
	if err != nil {
		return err
	}

	if idx.TotalSize+sizeBytes > c.cfg.MaxSizeBytes {
		newTotal, err := c.evict(ctx, idx)
		if err != nil {
			return err
		}
		idx.TotalSize = newTotal
	}

	idx.Entries[key] = indexEntry{
		PID:       c.pid,
		CacheDir:  cacheDir,
		Timestamp: c.nowEpoch(ctx),
		SizeBytes: sizeBytes,
	}
	idx.TotalSize += sizeBytes
	sklog.Infof("cache %s: new total_size %s", c.rootPath, humanize.IBytes(uint64(idx.TotalSize)))
	return c.writeIndex(idx)
}

// evict deletes the oldest entries whose age is at least min_duration_seconds
// until the running total drops below the low watermark, removing their
// directories from disk, and returns the resulting total_size.
func (c *Cache) evict(ctx context.Context, idx *indexContents) (int64, error) {
	type candidate struct {
		key   string
		entry indexEntry
	}
	nowEpoch := c.nowEpoch(ctx)
	var candidates []candidate
	for key, entry := range idx.Entries {
		if nowEpoch-entry.Timestamp < c.cfg.MinDurationSeconds {
			continue
		}
		candidates = append(candidates, candidate{key, entry})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].entry.Timestamp < candidates[j].entry.Timestamp
	})

	low := c.cfg.LowWatermarkPercentage * float64(c.cfg.MaxSizeBytes)
	remaining := idx.TotalSize
	var toDelete []candidate
	for _, cand := range candidates {
		toDelete = append(toDelete, cand)
		remaining -= cand.entry.SizeBytes
		if float64(remaining) < low {
			break
		}
	}

	var freed int64
	for _, cand := range toDelete {
		freed += cand.entry.SizeBytes
	}
	sklog.Infof("cache %s: evicting %d entries, freeing %s", c.rootPath, len(toDelete), humanize.IBytes(uint64(freed)))
	for _, cand := range toDelete {
		if err := os.RemoveAll(cand.entry.CacheDir); err != nil {
			return 0, skerr.Wrap(err)
		}
		delete(idx.Entries, cand.key)
	}
	return remaining, nil
}

// Stats reports the cache's current entry count and total_size, mostly
// useful for tests and diagnostics.
func (c *Cache) Stats() (totalSize int64, numEntries int, err error) {
	h, err := c.acquireLock()
	if err != nil {
		return 0, 0, err
	}
	defer h.Unlock()
	idx, err := c.readIndex()
	if err != nil {
		return 0, 0, err
	}
	return idx.TotalSize, len(idx.Entries), nil
}

func (c *Cache) nowEpoch(ctx context.Context) int64 {
	return now.Now(ctx).Unix()
}

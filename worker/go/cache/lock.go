package cache

import (
	"time"

	"github.com/danjacques/gofslock/fslock"

	"go.skia.org/mrtaskman/go/skerr"
)

// defaultLockPollInterval is how often acquireLock retries a held lock.
// gofslock's Lock is non-blocking by design (advisory file locks don't
// block portably across platforms), so callers that need to wait poll it.
const defaultLockPollInterval = 50 * time.Millisecond

// acquireLock blocks until it holds the exclusive lock on the cache's
// .cache_info file (spec §4.3: "all reads and mutations of control files are
// performed under an exclusive file lock on .cache_info").
func (c *Cache) acquireLock() (fslock.Handle, error) {
	path := c.path(cacheInfoFile)
	for {
		h, err := fslock.Lock(path)
		if err == nil {
			return h, nil
		}
		if err != fslock.ErrLockHeld {
			return nil, skerr.Wrap(err)
		}
		time.Sleep(c.lockPollInterval)
	}
}

//go:build windows

package du

import "os"

// sysBlocks has no portable equivalent on Windows; callers fall back to a
// size-based block estimate.
func sysBlocks(info os.FileInfo) (uint64, bool) {
	return 0, false
}

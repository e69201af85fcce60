package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"go.skia.org/mrtaskman/go/du"
	"go.skia.org/mrtaskman/go/skerr"
)

// copyDirectoryContents recursively copies everything under src into dst,
// preserving file modes (spec §4.3: "recursively copy entry.cache_dir →
// dest_dir"). dst must already exist.
func copyDirectoryContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				return skerr.Wrap(err)
			}
			if err := os.MkdirAll(dstPath, info.Mode().Perm()); err != nil {
				return skerr.Wrap(err)
			}
			if err := copyDirectoryContents(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return skerr.Wrap(err)
	}
	in, err := os.Open(src)
	if err != nil {
		return skerr.Wrap(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return skerr.Wrap(err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return skerr.Wrap(err)
	}
	return nil
}

// dirSize returns cache_dir's recursive size in bytes, reusing go/du
// rather than re-walking the tree by hand a second time.
func dirSize(ctx context.Context, path string) (int64, error) {
	d, err := du.Usage(ctx, path)
	if err != nil {
		return 0, err
	}
	return int64(d.TotalSize), nil
}

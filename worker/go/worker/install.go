package worker

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"

	"go.skia.org/mrtaskman/go/skerr"
	"go.skia.org/mrtaskman/go/sklog"
	"go.skia.org/mrtaskman/go/workerpool"
	"go.skia.org/mrtaskman/worker/go/cache"
)

// stageFilesConcurrency bounds how many of a task's staged files download at
// once; these are independent, so there's no reason to serialize them.
const stageFilesConcurrency = 8

// installPackages downloads and installs every package config.Packages names
// into workDir via the package cache (spec §4.2 step 4).
func (w *Worker) installPackages(ctx context.Context, config taskConfig, workDir string) error {
	for _, ref := range config.Packages {
		pkg := cache.PackageInfo{Name: ref.Name, Version: ref.Version}
		err := w.cache.CopyToDirectory(ctx, pkg, workDir, func(ctx context.Context, name string, version int, cacheDir string) error {
			return w.populatePackage(ctx, name, version, cacheDir)
		})
		if err != nil {
			return skerr.Wrap(err)
		}
	}
	return nil
}

// populatePackage is the package cache's on-cache-miss callback: it fetches
// the package manifest from the registry and downloads every file it names
// into cacheDir.
func (w *Worker) populatePackage(ctx context.Context, name string, version int, cacheDir string) error {
	pkg, err := w.client.GetPackage(ctx, name, version)
	if err != nil {
		return skerr.Wrap(err)
	}
	for _, pf := range pkg.Files {
		dest := filepath.Join(cacheDir, pf.DestinationPath)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return skerr.Wrap(err)
		}
		if pf.ExternalURL != "" {
			if err := w.client.DownloadFile(ctx, pf.ExternalURL, dest); err != nil {
				return skerr.Wrap(err)
			}
		} else {
			// BlobRef-backed file: the blob store is an external collaborator
			// this rewrite doesn't implement (spec §1); record the gap rather
			// than fabricate bytes that were never actually uploaded anywhere.
			sklog.Warningf("worker: package %s.%d file %s has no external url, blob store not implemented, skipping content", name, version, pf.DestinationPath)
			if err := os.WriteFile(dest, nil, 0o644); err != nil {
				return skerr.Wrap(err)
			}
		}
		if mode, err := parseFileMode(pf.FileMode); err == nil {
			_ = os.Chmod(dest, mode)
		}
	}
	return nil
}

// stageFiles downloads every entry in config.Files directly into workDir,
// bypassing the package cache (these files are not versioned package
// content, just one-off inputs a task needs staged alongside its command).
// Files are independent of each other, so downloads fan out across a bounded
// pool rather than running one at a time.
func (w *Worker) stageFiles(ctx context.Context, config taskConfig, workDir string) error {
	pool := workerpool.New(stageFilesConcurrency)
	var mtx sync.Mutex
	var result *multierror.Error
	for _, f := range config.Files {
		f := f
		pool.Go(func() {
			if err := w.stageFile(ctx, f, workDir); err != nil {
				mtx.Lock()
				result = multierror.Append(result, err)
				mtx.Unlock()
			}
		})
	}
	pool.Wait()
	return result.ErrorOrNil()
}

func (w *Worker) stageFile(ctx context.Context, f fileRef, workDir string) error {
	dest := filepath.Join(workDir, f.DestinationPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return skerr.Wrap(err)
	}
	if f.URL == "" {
		return skerr.Fmt("file %s has no url", f.DestinationPath)
	}
	if err := w.client.DownloadFile(ctx, f.URL, dest); err != nil {
		return skerr.Wrap(err)
	}
	if mode, err := parseFileMode(f.FileMode); err == nil {
		_ = os.Chmod(dest, mode)
	}
	return nil
}

func parseFileMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0o644, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}

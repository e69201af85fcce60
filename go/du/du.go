// Package du recursively measures directory sizes, used by the package
// cache to decide when an entry's on-disk footprint crosses its eviction
// watermark.
package du

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	"go.skia.org/mrtaskman/go/skerr"
)

// blockSize is the allocation unit used by du(1)-style size accounting.
const blockSize = 512

// File describes one regular file found during a directory walk.
type File struct {
	Name   string
	Size   uint64
	Blocks uint64
}

// Dir describes one directory found during a directory walk, including the
// recursive totals of everything beneath it.
type Dir struct {
	Name  string
	Dirs  []*Dir
	Files []*File

	// Blocks is this directory's own block usage, not counting its contents.
	Blocks uint64
	// TotalBlocks is Blocks plus every descendant file and directory's Blocks.
	TotalBlocks uint64
	TotalFiles  uint64
	TotalSize   uint64
}

func blocksFor(size int64) uint64 {
	return uint64((size + blockSize - 1) / blockSize)
}

// Usage walks the directory tree rooted at path and returns its size
// breakdown. Symlinks are not followed.
func Usage(ctx context.Context, path string) (*Dir, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	return usage(ctx, path, path, info)
}

func usage(ctx context.Context, fsPath, displayName string, info os.FileInfo) (*Dir, error) {
	if err := ctx.Err(); err != nil {
		return nil, skerr.Wrap(err)
	}
	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	d := &Dir{
		Name:   displayName,
		Dirs:   []*Dir{},
		Files:  []*File{},
		Blocks: blocksOf(info),
	}
	d.TotalBlocks = d.Blocks
	for _, entry := range entries {
		childPath := filepath.Join(fsPath, entry.Name())
		childInfo, err := entry.Info()
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		if entry.IsDir() {
			child, err := usage(ctx, childPath, entry.Name(), childInfo)
			if err != nil {
				return nil, err
			}
			d.Dirs = append(d.Dirs, child)
			d.TotalBlocks += child.TotalBlocks
			d.TotalFiles += child.TotalFiles
		} else if childInfo.Mode().IsRegular() {
			f := &File{
				Name:   entry.Name(),
				Size:   uint64(childInfo.Size()),
				Blocks: blocksOf(childInfo),
			}
			d.Files = append(d.Files, f)
			d.TotalBlocks += f.Blocks
			d.TotalFiles++
		}
	}
	// Subdirectories are listed smallest first.
	sort.SliceStable(d.Dirs, func(i, j int) bool { return d.Dirs[i].TotalBlocks < d.Dirs[j].TotalBlocks })
	d.TotalSize = d.TotalBlocks * blockSize
	return d, nil
}

func blocksOf(info os.FileInfo) uint64 {
	if st, ok := sysBlocks(info); ok {
		return st
	}
	return blocksFor(info.Size())
}

type reportLine struct {
	path   string
	blocks uint64
}

func relPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func collectLines(d *Dir, prefix string, maxDepth, depth int, lines *[]reportLine) {
	displayPath := prefix
	if displayPath == "" {
		displayPath = d.Name
	}
	if maxDepth <= 0 || depth < maxDepth {
		for _, child := range d.Dirs {
			collectLines(child, relPath(prefix, child.Name), maxDepth, depth+1, lines)
		}
	}
	*lines = append(*lines, reportLine{path: displayPath, blocks: d.TotalBlocks})
}

// GenerateReport renders a du(1)-style report of d, descending at most
// maxDepth levels (0 means unlimited), formatting sizes in human-readable
// units if human is set.
func GenerateReport(ctx context.Context, d *Dir, maxDepth int, human bool) (string, error) {
	var lines []reportLine
	collectLines(d, "", maxDepth, 0, &lines)
	out := ""
	for i, l := range lines {
		size := l.blocks * blockSize
		var sizeStr string
		if human {
			sizeStr = humanize.IBytes(size)
		} else {
			sizeStr = itoa(size)
		}
		if i > 0 {
			out += "\n"
		}
		out += sizeStr + "\t" + l.path
	}
	return out, nil
}

type jsonDir struct {
	Name string     `json:"name"`
	Dirs []*jsonDir `json:"dirs,omitempty"`
	Size string     `json:"size"`
}

func buildJSONDir(d *Dir, prefix string, maxDepth, depth int, human bool) *jsonDir {
	displayPath := prefix
	if displayPath == "" {
		displayPath = d.Name
	}
	jd := &jsonDir{Name: displayPath}
	if maxDepth <= 0 || depth < maxDepth {
		for _, child := range d.Dirs {
			jd.Dirs = append(jd.Dirs, buildJSONDir(child, relPath(prefix, child.Name), maxDepth, depth+1, human))
		}
	}
	if human {
		jd.Size = humanize.IBytes(d.TotalBlocks * blockSize)
	} else {
		jd.Size = itoa(d.TotalBlocks * blockSize)
	}
	return jd
}

// GenerateJSONReport is GenerateReport's output encoded as JSON.
func GenerateJSONReport(ctx context.Context, d *Dir, maxDepth int, human bool) (string, error) {
	jd := buildJSONDir(d, "", maxDepth, 0, human)
	b, err := json.Marshal(jd)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	return string(b), nil
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	digits := []byte{}
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	return string(digits)
}

package listing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lazysync/lazysync/internal/cacheproto"
)

// ErrNotDir is returned when the requested path is not a directory.
var ErrNotDir = errors.New("not a directory")

// Scanner reads directories.
type Scanner interface {
	// Stat returns the modification time of the directory at path.
	Stat(path string) (time.Time, error)
	// Scan lists the directory at path.
	Scan(path string) ([]cacheproto.DirEntry, error)
}

// FSScanner reads the local filesystem.
type FSScanner struct{}

func (FSScanner) Stat(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	if !info.IsDir() {
		return time.Time{}, fmt.Errorf("%s: %w", path, ErrNotDir)
	}
	return info.ModTime(), nil
}

// Scan lists path. Symlinks keep their own permissions but count as
// directories when they point at one. Entries that vanish mid-scan are
// skipped.
func (FSScanner) Scan(path string) ([]cacheproto.DirEntry, error) {
	des, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]cacheproto.DirEntry, 0, len(des))
	for _, de := range des {
		full := filepath.Join(path, de.Name())
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		isDir := info.IsDir()
		if info.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Stat(full); err == nil {
				isDir = target.IsDir()
			}
		}
		entries = append(entries, cacheproto.DirEntry{
			Name:        de.Name(),
			IsDir:       isDir,
			Size:        info.Size(),
			Permissions: cacheproto.FormatPermissions(info.Mode()),
			Modified:    cacheproto.FormatModified(info.ModTime()),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

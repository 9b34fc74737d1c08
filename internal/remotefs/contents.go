package remotefs

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/lazysync/lazysync/internal/cacheproto"
)

// Item is one row of a directory view.
type Item struct {
	// Display ends with "/" for directories; the parent row is "../".
	Display string
	Path    string
	IsDir   bool
	Entry   cacheproto.DirEntry
}

// Contents orders a listing of dir for display: a "../" row unless dir is
// the root, then directories, then files, each sorted by name. "." and ".."
// entries are dropped, as are dot files unless showHidden.
func Contents(dir string, entries []cacheproto.DirEntry, showHidden bool) []Item {
	dir = cacheproto.NormalizePath(dir)
	var dirs, files []Item
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		if !showHidden && strings.HasPrefix(e.Name, ".") {
			continue
		}
		it := Item{Display: e.Name, Path: path.Join(dir, e.Name), IsDir: e.IsDir, Entry: e}
		if e.IsDir {
			it.Display += "/"
			dirs = append(dirs, it)
		} else {
			files = append(files, it)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Display < dirs[j].Display })
	sort.Slice(files, func(i, j int) bool { return files[i].Display < files[j].Display })

	out := make([]Item, 0, len(dirs)+len(files)+1)
	if dir != "/" {
		out = append(out, Item{Display: "../", Path: path.Dir(dir), IsDir: true})
	}
	out = append(out, dirs...)
	return append(out, files...)
}

// Lister is the listing call a Navigator needs. *Session implements it.
type Lister interface {
	GetDirectoryListing(ctx context.Context, path string, preferCache bool) ([]cacheproto.DirEntry, bool, error)
}

// Navigator keeps a current remote directory.
type Navigator struct {
	lister Lister

	mu  sync.Mutex
	cwd string
}

// NewNavigator starts at start, or /home when empty.
func NewNavigator(l Lister, start string) *Navigator {
	if start == "" {
		start = "/home"
	}
	return &Navigator{lister: l, cwd: cacheproto.NormalizePath(start)}
}

// Cwd returns the current directory.
func (n *Navigator) Cwd() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cwd
}

// ChangeDir moves to target, relative to the current directory unless
// absolute. The directory must list successfully; otherwise the current
// directory is unchanged and the error returned.
func (n *Navigator) ChangeDir(ctx context.Context, target string) error {
	n.mu.Lock()
	next := target
	if !path.IsAbs(next) {
		next = path.Join(n.cwd, next)
	}
	n.mu.Unlock()
	next = path.Clean(next)

	if _, _, err := n.lister.GetDirectoryListing(ctx, next, true); err != nil {
		return err
	}
	n.mu.Lock()
	n.cwd = next
	n.mu.Unlock()
	return nil
}

// ChangeParent moves one level up. At the root it is a no-op.
func (n *Navigator) ChangeParent(ctx context.Context) error {
	if n.Cwd() == "/" {
		return nil
	}
	return n.ChangeDir(ctx, "..")
}

// List returns the display rows of the current directory.
func (n *Navigator) List(ctx context.Context, showHidden bool) ([]Item, error) {
	dir := n.Cwd()
	entries, _, err := n.lister.GetDirectoryListing(ctx, dir, true)
	if err != nil {
		return nil, err
	}
	return Contents(dir, entries, showHidden), nil
}

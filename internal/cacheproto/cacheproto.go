// Package cacheproto is the line protocol spoken with the remote cache
// service: one JSON object per line, requests and responses correlated by
// id.
package cacheproto

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
)

// ModifiedLayout is the format of DirEntry.Modified.
const ModifiedLayout = "2006-01-02 15:04:05"

// Request asks for the listing of Path.
type Request struct {
	ID   uint64 `json:"id"`
	Path string `json:"path"`
}

// Response answers the request with the same ID. Error is set only when
// Success is false.
type Response struct {
	ID        uint64     `json:"id"`
	Success   bool       `json:"success"`
	Path      string     `json:"path"`
	Entries   []DirEntry `json:"entries"`
	FromCache bool       `json:"from_cache"`
	Error     string     `json:"error,omitempty"`
}

// DirEntry is one directory member.
type DirEntry struct {
	Name        string `json:"name"`
	IsDir       bool   `json:"is_dir"`
	Size        int64  `json:"size"`
	Permissions string `json:"permissions"`
	Modified    string `json:"modified"`
}

// ModTime parses Modified. The zero time is returned for unparsable
// values.
func (e DirEntry) ModTime() time.Time {
	t, err := time.ParseInLocation(ModifiedLayout, e.Modified, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Failure builds an unsuccessful response.
func Failure(id uint64, p string, err error) Response {
	return Response{ID: id, Success: false, Path: p, Entries: []DirEntry{}, Error: err.Error()}
}

// NormalizePath trims trailing slashes except on the root.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

var (
	ErrRelativePath = errors.New("path must be absolute")
	ErrInvalidPath  = errors.New("path contains NUL byte")
)

// ValidatePath checks that p is absolute and has no NUL bytes, and returns
// its normalized form.
func ValidatePath(p string) (string, error) {
	if strings.IndexByte(p, 0) >= 0 {
		return "", ErrInvalidPath
	}
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrRelativePath, p)
	}
	return NormalizePath(path.Clean(p)), nil
}

// FormatPermissions renders mode as ls does, e.g. drwxr-xr-x.
func FormatPermissions(mode fs.FileMode) string {
	var b [10]byte
	switch {
	case mode.IsDir():
		b[0] = 'd'
	case mode&fs.ModeSymlink != 0:
		b[0] = 'l'
	default:
		b[0] = '-'
	}
	const rwx = "rwxrwxrwx"
	perm := mode.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		} else {
			b[i+1] = '-'
		}
	}
	return string(b[:])
}

// FormatModified renders t in local time with ModifiedLayout.
func FormatModified(t time.Time) string {
	return t.Local().Format(ModifiedLayout)
}

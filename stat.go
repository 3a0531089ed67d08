package mmrofs

import (
	"os"
	"time"
)

// newFileInfo adapts an entry to os.FileInfo. The entry must have been
// validated; name is the filename read from its data region.
func newFileInfo(name string, e *Entry) os.FileInfo {
	return entryFileInfo{name: name, entry: *e}
}

type entryFileInfo struct {
	name  string
	entry Entry
}

func (e entryFileInfo) Name() string {
	return e.name
}

func (e entryFileInfo) Size() int64 {
	return int64(e.entry.DataSize())
}

// Mode is always a read-only regular file: content changes only through the
// transactional write flows, never in place.
func (e entryFileInfo) Mode() os.FileMode {
	return 0o444
}

// ModTime returns the finalized mtime. An entry whose mtime was not
// programmed yet reports the zero time, so time.Time.IsZero() can be used.
func (e entryFileInfo) ModTime() time.Time {
	if e.entry.Mtime == MtimeUnset {
		return time.Time{}
	}
	return time.Unix(int64(e.entry.Mtime), 0).UTC()
}

// ChangeTime returns the creation time, which MMROFS preserves across
// rewrites, appends and renames.
func (e entryFileInfo) ChangeTime() time.Time {
	return time.Unix(int64(e.entry.Ctime), 0).UTC()
}

func (e entryFileInfo) IsDir() bool {
	return false
}

func (e entryFileInfo) Sys() interface{} {
	return e.entry
}

// dirInfo describes the single flat root directory.
type dirInfo struct{}

func (dirInfo) Name() string       { return "/" }
func (dirInfo) Size() int64        { return 0 }
func (dirInfo) Mode() os.FileMode  { return os.ModeDir | 0o555 }
func (dirInfo) ModTime() time.Time { return time.Time{} }
func (dirInfo) IsDir() bool        { return true }
func (dirInfo) Sys() interface{}   { return nil }

// pendingInfo describes a write handle that has no finalized entry yet.
type pendingInfo struct {
	name string
	size int64
}

func (p pendingInfo) Name() string       { return p.name }
func (p pendingInfo) Size() int64        { return p.size }
func (p pendingInfo) Mode() os.FileMode  { return 0o444 }
func (p pendingInfo) ModTime() time.Time { return time.Time{} }
func (p pendingInfo) IsDir() bool        { return false }
func (p pendingInfo) Sys() interface{}   { return nil }

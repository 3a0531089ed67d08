package mmrofs

import (
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aligator/mmrofs/checkpoint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultMaxOpenFiles = 8

// maxOpenDirs bounds the number of simultaneously open directory handles.
const maxOpenDirs = 2

// MountConfig binds a filesystem to a partition.
type MountConfig struct {
	// Device is the flash partition the filesystem owns exclusively.
	Device Device

	// MaxOpenFiles sizes the file-handle table, allocated once at mount.
	MaxOpenFiles int

	// Clock provides wall-clock seconds for ctime/mtime. Defaults to the
	// system clock.
	Clock Clock

	// Logger receives recovery and allocator diagnostics. Defaults to the
	// standard logrus logger.
	Logger *logrus.Entry
}

// Fs is a mounted MMROFS filesystem. It implements afero.Fs over a flat
// namespace of regular files.
//
// All mutating operations serialize on one mutex. Reads through handles that
// are already open stay off it: once an entry is ACTIVE or VALID its data
// region is immutable until the entry tombstones.
type Fs struct {
	dev           Device
	m             *mapper
	partitionSize uint32
	clock         Clock
	log           *logrus.Entry

	mu            sync.Mutex
	nextFreeEntry uint16
	fds           []*File
	dirsOpen      int
	compacting    bool

	// scratch is the single 4 KiB per-operation buffer used for data copy,
	// erase verification and defragmentation.
	scratch []byte
}

// Mount maps the header region, bootstraps the clock, runs recovery and
// returns the ready filesystem. The returned handle is the only way to reach
// the partition; there is no process-global state.
func Mount(cfg MountConfig) (*Fs, error) {
	if cfg.Device == nil {
		return nil, checkpoint.Wrap(ErrInvalidArgument, syscall.EINVAL)
	}
	size := cfg.Device.Size()
	if size < HeaderSize+EraseBlockSize {
		return nil, checkpoint.Wrap(ErrInvalidArgument, syscall.EINVAL)
	}
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = defaultMaxOpenFiles
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger().WithField("component", "mmrofs")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{Log: cfg.Logger}
	}

	m, err := newMapper(cfg.Device)
	if err != nil {
		// The header region is unreadable; nothing can be mounted.
		return nil, err
	}

	fs := &Fs{
		dev:           cfg.Device,
		m:             m,
		partitionSize: size,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		fds:           make([]*File, cfg.MaxOpenFiles),
		scratch:       make([]byte, EraseBlockSize),
	}

	// Clock first: recovery stamps repaired mtimes and must not stamp them
	// with an implausible boot-time clock.
	fs.bootstrapClock()
	fs.recover()

	fs.log.WithField("entries", MaxEntries).WithField("size", size).Info("mounted")
	return fs, nil
}

// cleanPath strips the optional leading slash and rejects anything a flat
// namespace cannot hold.
func cleanPath(name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if len(name) == 0 || len(name) > MaxFilenameLen {
		return "", checkpoint.Wrap(ErrInvalidArgument, syscall.EINVAL)
	}
	if strings.Contains(name, "/") {
		return "", checkpoint.Wrap(ErrInvalidArgument, syscall.EINVAL)
	}
	return name, nil
}

// isRootPath reports whether name addresses the single flat directory.
func isRootPath(name string) bool {
	return name == "" || name == "/" || name == "."
}

// allocFD reserves a slot in the fixed handle table. Caller holds the mutex.
func (fs *Fs) allocFD(f *File) error {
	for i := range fs.fds {
		if fs.fds[i] == nil {
			fs.fds[i] = f
			f.fdIndex = i
			return nil
		}
	}
	return checkpoint.From(ErrNoFreeHandle)
}

// releaseFD frees a handle-table slot. Caller holds the mutex.
func (fs *Fs) releaseFD(f *File) {
	if f.fdIndex >= 0 && f.fdIndex < len(fs.fds) && fs.fds[f.fdIndex] == f {
		fs.fds[f.fdIndex] = nil
	}
	f.fdIndex = -1
}

func (fs *Fs) Name() string {
	return "mmrofs"
}

// Open opens a file (or the root directory) for reading.
func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// Create opens a file for writing, creating it and discarding any previous
// content.
func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
}

// OpenFile opens name with POSIX-style flags. Without O_TRUNC, writes to an
// existing file append to its current content; O_TRUNC starts over at a
// fresh allocation. Write handles publish nothing until the first Write and
// become durable at Close.
func (fs *Fs) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	if isRootPath(name) {
		if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
			return nil, checkpoint.Wrap(ErrInvalidArgument, syscall.EISDIR)
		}
		return fs.openRootDir()
	}

	path, err := cleanPath(name)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	existingIdx, existing := fs.lookup(path)

	f := &File{
		fs:       fs,
		path:     path,
		nameHash: hashName(path),
		nameLen:  uint16(len(path)),
		flags:    flag,
	}

	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		// Read-only: the file must exist.
		if existingIdx < 0 {
			return nil, checkpoint.Wrap(ErrNotFound, syscall.ENOENT)
		}
		f.readOnly = true
		f.fdState = fdCommitted
		f.entryIndex = uint16(existingIdx)
		f.flashOffset = existing.Offset
		f.dataSize = existing.DataSize()
		if err := fs.allocFD(f); err != nil {
			return nil, err
		}
		return f, nil
	}

	if existingIdx >= 0 && flag&os.O_TRUNC == 0 {
		f.fdState = fdPendingUpdate
		f.oldEntryIndex = uint16(existingIdx)
		f.oldCtime = existing.Ctime

		// VALID means the size word was finalized even when it happens to
		// look like a capacity mask.
		if existing.State == StateValid || !isCapacityMask(existing.Size) {
			f.oldDataSize = existing.DataSize()
		} else {
			// Another streaming writer owns the only running byte count.
			f.oldDataSize = SizeUnknown
		}
		f.flashOffset = existing.Offset
	} else if existingIdx >= 0 {
		// O_TRUNC: replace the content but hand over atomically, so a crash
		// before the first write keeps the old file.
		f.fdState = fdPendingTruncate
		f.oldEntryIndex = uint16(existingIdx)
		f.oldCtime = existing.Ctime
	} else {
		if flag&os.O_CREATE == 0 {
			return nil, checkpoint.Wrap(ErrNotFound, syscall.ENOENT)
		}
		f.fdState = fdPendingNew
	}

	if err := fs.allocFD(f); err != nil {
		return nil, err
	}
	return f, nil
}

func (fs *Fs) openRootDir() (afero.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.dirsOpen >= maxOpenDirs {
		return nil, checkpoint.From(ErrNoFreeHandle)
	}
	fs.dirsOpen++
	return &File{
		fs:          fs,
		fdIndex:     -1,
		isDirectory: true,
		readOnly:    true,
		fdState:     fdCommitted,
	}, nil
}

// Remove tombstones the live entry holding name. The data blocks stay in
// place until the allocator reclaims them.
func (fs *Fs) Remove(name string) error {
	path, err := cleanPath(name)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx, _ := fs.lookup(path)
	if idx < 0 {
		return checkpoint.Wrap(ErrNotFound, syscall.ENOENT)
	}
	return fs.writeState(uint16(idx), StateTombstone)
}

// RemoveAll removes name if it exists. On the root path it removes every
// file. Unlike Remove it does not fail on absent files.
func (fs *Fs) RemoveAll(name string) error {
	if isRootPath(name) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for i := uint16(0); i < MaxEntries; i++ {
			e := fs.m.readEntry(i)
			if !IsLive(e.State) {
				continue
			}
			if err := fs.writeState(i, StateTombstone); err != nil {
				return err
			}
		}
		return nil
	}

	err := fs.Remove(name)
	if err != nil && errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Rename moves src to dst, atomically replacing an existing dst. The data is
// always copied to a fresh allocation because the stored filename length may
// differ; the handover tombstones both the source and the old destination in
// one recoverable transaction.
func (fs *Fs) Rename(oldname, newname string) error {
	src, err := cleanPath(oldname)
	if err != nil {
		return err
	}
	dst, err := cleanPath(newname)
	if err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	srcIdx, srcEntry := fs.lookup(src)
	if srcIdx < 0 {
		return checkpoint.Wrap(ErrNotFound, syscall.ENOENT)
	}
	if src == dst {
		return nil
	}
	dstIdx, _ := fs.lookup(dst)

	srcDataSize := srcEntry.DataSize()
	newTotal := uint32(len(dst)) + srcDataSize

	newOffset, err := fs.allocData(newTotal)
	if err != nil {
		return err
	}

	dstEntryVal := uint32(EntryNone)
	if dstIdx >= 0 {
		dstEntryVal = uint32(dstIdx)
	}

	// The total is known up front, so the entry gets an exact size and no
	// capacity mask.
	slot, err := fs.createEntry(Entry{
		NameLen:  uint16(len(dst)),
		NameHash: hashName(dst),
		Offset:   newOffset,
		Size:     newTotal,
		Mtime:    MtimeUnset,
		Ctime:    srcEntry.Ctime,
		OldEntry: uint32(srcIdx),
		DstEntry: dstEntryVal,
	})
	if err != nil {
		return checkpoint.From(err)
	}
	newSlot := uint16(slot)

	if err := fs.m.program(newOffset, []byte(dst)); err != nil {
		fs.abortEntry(newSlot)
		return err
	}
	if srcDataSize > 0 {
		if err := fs.copyData(srcEntry.Offset+uint32(srcEntry.NameLen), newOffset+uint32(len(dst)), srcDataSize); err != nil {
			fs.abortEntry(newSlot)
			return err
		}
	}

	if err := fs.writeState(newSlot, StateTombstoningOld); err != nil {
		return err
	}
	if err := fs.writeState(uint16(srcIdx), StateTombstone); err != nil {
		return err
	}
	if dstIdx >= 0 {
		if err := fs.writeState(uint16(dstIdx), StateTombstone); err != nil {
			return err
		}
	}
	if err := fs.writeMtime(newSlot, fs.now()); err != nil {
		return err
	}
	if err := fs.writeState(newSlot, StateActive); err != nil {
		return err
	}
	return fs.writeState(newSlot, StateValid)
}

// copyData moves length bytes of file data through the scratch buffer.
// Caller holds the mutex.
func (fs *Fs) copyData(src, dst, length uint32) error {
	for length > 0 {
		chunk := uint32(len(fs.scratch))
		if chunk > length {
			chunk = length
		}
		buf := fs.scratch[:chunk]
		if err := fs.m.dataRead(src, buf); err != nil {
			return err
		}
		if err := fs.m.program(dst, buf); err != nil {
			return err
		}
		src += chunk
		dst += chunk
		length -= chunk
	}
	return nil
}

// Stat returns the metadata of name, or of the root directory.
func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	if isRootPath(name) {
		return dirInfo{}, nil
	}
	path, err := cleanPath(name)
	if err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	idx, e := fs.lookup(path)
	if idx < 0 {
		return nil, checkpoint.Wrap(ErrNotFound, syscall.ENOENT)
	}
	return newFileInfo(path, &e), nil
}

// Chmod is not supported: all files are regular and read-only in mode.
func (fs *Fs) Chmod(string, os.FileMode) error {
	return checkpoint.Wrap(ErrNotSupported, syscall.EPERM)
}

func (fs *Fs) Chown(string, int, int) error {
	return checkpoint.Wrap(ErrNotSupported, syscall.EPERM)
}

// Chtimes is not supported: mtime is owned by the transaction flows.
func (fs *Fs) Chtimes(string, time.Time, time.Time) error {
	return checkpoint.Wrap(ErrNotSupported, syscall.EPERM)
}

// Mkdir is not supported: the namespace is flat.
func (fs *Fs) Mkdir(string, os.FileMode) error {
	return checkpoint.Wrap(ErrNotSupported, syscall.EPERM)
}

func (fs *Fs) MkdirAll(string, os.FileMode) error {
	return checkpoint.Wrap(ErrNotSupported, syscall.EPERM)
}

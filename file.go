package mmrofs

import (
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/aligator/mmrofs/checkpoint"
	"github.com/spf13/afero"
)

// These errors may occur while processing a file.
var (
	ErrReadFile  = errors.New("could not read file")
	ErrWriteFile = errors.New("could not write file")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrReadDir   = errors.New("could not read the directory")
)

// File-handle states.
const (
	fdPendingNew = iota + 1
	fdPendingUpdate
	fdPendingTruncate
	fdCommitted
)

// File is an open MMROFS file (or the root directory). It implements
// afero.File.
//
// A write handle stays in a pending state until its first Write, which picks
// the transaction flow (new, append, rewrite) and commits an ACTIVE entry.
// Close finalizes mtime and the exact size and promotes the entry to VALID.
type File struct {
	fs      *Fs
	fdIndex int
	path    string

	isDirectory bool
	readOnly    bool
	closed      bool

	nameHash uint32
	nameLen  uint16
	flags    int
	fdState  int

	entryIndex  uint16
	flashOffset uint32

	// dataSize is the exact file data byte count: for read handles the
	// entry's finalized size, for committed write handles the running count
	// of bytes written through this handle.
	dataSize uint32

	// cursor is the read position within the file data, or the slot scan
	// position for directory handles.
	cursor uint32

	oldEntryIndex uint16
	oldDataSize   uint32
	oldCtime      uint32
}

func (f *File) Name() string {
	if f.isDirectory {
		return "/"
	}
	return f.path
}

// Read copies file data at the handle cursor and advances it. It takes no
// filesystem mutex: a live entry's data region is immutable.
func (f *File) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, int64(f.cursor))
	f.cursor += uint32(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, checkpoint.Wrap(ErrClosed, ErrReadFile)
	}
	if f.isDirectory {
		return 0, checkpoint.Wrap(syscall.EISDIR, ErrReadFile)
	}
	if f.fdState != fdCommitted {
		// Nothing written yet, nothing to read.
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, checkpoint.Wrap(ErrInvalidArgument, ErrReadFile)
	}
	if off >= int64(f.dataSize) {
		return 0, io.EOF
	}

	avail := int64(f.dataSize) - off
	n := int64(len(p))
	if n > avail {
		n = avail
	}

	pos := f.flashOffset + uint32(f.nameLen) + uint32(off)
	if err := f.fs.m.dataRead(pos, p[:n]); err != nil {
		return 0, checkpoint.Wrap(err, ErrReadFile)
	}
	return int(n), nil
}

// Seek jumps to a specific offset in the file data. This affects Read but
// not Write, which always appends.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, checkpoint.Wrap(ErrClosed, ErrSeekFile)
	}
	if f.flags&(os.O_WRONLY|os.O_RDWR) == os.O_WRONLY {
		return 0, checkpoint.Wrap(ErrSeekFile, syscall.ESPIPE)
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = int64(f.cursor) + offset
	case io.SeekEnd:
		offset = int64(f.dataSize) + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, syscall.EINVAL)
	}

	if offset < 0 || offset > int64(f.dataSize) {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, ErrSeekFile)
	}

	f.cursor = uint32(offset)
	return offset, nil
}

// Write appends p to the file. The first successful Write picks the flow
// (new file, append in place, rewrite at a fresh offset) and publishes an
// ACTIVE entry; later writes extend the current allocation or trigger
// streaming expansion. On error the filesystem is unchanged from the
// caller's perspective; a partially built new entry is tombstoned.
func (f *File) Write(p []byte) (int, error) {
	if f.closed {
		return 0, checkpoint.Wrap(ErrClosed, ErrWriteFile)
	}
	if f.isDirectory {
		return 0, checkpoint.Wrap(syscall.EISDIR, ErrWriteFile)
	}
	if f.readOnly {
		return 0, checkpoint.Wrap(ErrReadOnlyFile, syscall.EBADF)
	}
	if len(p) == 0 {
		return 0, nil
	}

	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if uint64(f.dataSize)+uint64(f.oldDataSizeOrZero())+uint64(len(p))+uint64(f.nameLen) > uint64(fs.partitionSize) {
		return 0, checkpoint.Wrap(ErrNoSpace, ErrWriteFile)
	}

	var err error
	switch f.fdState {
	case fdPendingNew:
		err = f.firstWriteNew(p)
	case fdPendingTruncate:
		err = f.firstWriteTruncate(p)
	case fdPendingUpdate:
		err = f.firstWriteUpdate(p)
	case fdCommitted:
		err = f.extendWrite(p)
	default:
		err = checkpoint.Wrap(ErrInvalidArgument, syscall.EBADF)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *File) oldDataSizeOrZero() uint32 {
	if f.oldDataSize == SizeUnknown {
		return 0
	}
	return f.oldDataSize
}

// firstWriteNew creates a brand-new file. The total size is not known yet,
// so the entry carries a capacity mask covering the initial allocation.
func (f *File) firstWriteNew(p []byte) error {
	fs := f.fs

	total := uint32(f.nameLen) + uint32(len(p))
	// The mask keeps every bit of any exact size ≤ itself set, so the
	// close-time size program can only clear bits.
	mask := total | capacityMaskBits

	offset, err := fs.allocData(mask)
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	slot, err := fs.createEntry(Entry{
		NameLen:  f.nameLen,
		NameHash: f.nameHash,
		Offset:   offset,
		Size:     mask,
		Mtime:    MtimeUnset,
		Ctime:    fs.now(),
		OldEntry: EntryNone,
		DstEntry: EntryNone,
	})
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	index := uint16(slot)

	if err := fs.m.program(offset, []byte(f.path)); err != nil {
		fs.abortEntry(index)
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	if err := fs.m.program(offset+uint32(f.nameLen), p); err != nil {
		fs.abortEntry(index)
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	if err := fs.writeState(index, StateActive); err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	f.entryIndex = index
	f.flashOffset = offset
	f.dataSize = uint32(len(p))
	f.fdState = fdCommitted
	return nil
}

// firstWriteTruncate replaces an existing file's content from scratch at a
// fresh allocation. The handover tombstones the old entry only after the new
// data is fully on flash, so a crash before that keeps the old file.
func (f *File) firstWriteTruncate(p []byte) error {
	fs := f.fs

	total := uint32(f.nameLen) + uint32(len(p))
	mask := total | capacityMaskBits

	offset, err := fs.allocData(mask)
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	slot, err := fs.createEntry(Entry{
		NameLen:  f.nameLen,
		NameHash: f.nameHash,
		Offset:   offset,
		Size:     mask,
		Mtime:    MtimeUnset,
		Ctime:    f.oldCtime,
		OldEntry: uint32(f.oldEntryIndex),
		DstEntry: EntryNone,
	})
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	index := uint16(slot)

	if err := fs.m.program(offset, []byte(f.path)); err != nil {
		fs.abortEntry(index)
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	if err := fs.m.program(offset+uint32(f.nameLen), p); err != nil {
		fs.abortEntry(index)
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	if err := fs.tombstoneOldFlow(index, f.oldEntryIndex, EntryNone); err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	f.entryIndex = index
	f.flashOffset = offset
	f.dataSize = uint32(len(p))
	f.fdState = fdCommitted
	return nil
}

// firstWriteUpdate extends an existing file: append in place when the blocks
// behind its allocation are reclaimable, otherwise rewrite the whole file at
// a fresh offset.
func (f *File) firstWriteUpdate(p []byte) error {
	fs := f.fs

	if f.oldDataSize == SizeUnknown {
		return checkpoint.Wrap(ErrSizeUnknown, syscall.EIO)
	}

	oldEntry := fs.m.readEntry(f.oldEntryIndex)
	newTotal := uint32(f.nameLen) + f.oldDataSize + uint32(len(p))
	oldAlloc := oldEntry.AllocatedBytes()

	mask := newTotal | capacityMaskBits

	if fs.spaceAfterFree(oldEntry.Offset, oldAlloc, mask) {
		// Append: reuse the offset, program only the appended bytes.
		newAlloc := alignUp4k(mask)

		if newAlloc > oldAlloc {
			if err := fs.ensureErased(oldEntry.Offset+oldAlloc, newAlloc-oldAlloc); err != nil {
				return checkpoint.Wrap(err, ErrWriteFile)
			}
		}

		slot, err := fs.createEntry(Entry{
			NameLen:  f.nameLen,
			NameHash: f.nameHash,
			Offset:   oldEntry.Offset,
			Size:     mask,
			Mtime:    MtimeUnset,
			Ctime:    f.oldCtime,
			OldEntry: uint32(f.oldEntryIndex),
			DstEntry: EntryNone,
		})
		if err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}
		index := uint16(slot)

		writePos := oldEntry.Offset + uint32(f.nameLen) + f.oldDataSize
		if err := fs.m.program(writePos, p); err != nil {
			fs.abortEntry(index)
			return checkpoint.Wrap(err, ErrWriteFile)
		}

		if err := fs.tombstoneOldFlow(index, f.oldEntryIndex, EntryNone); err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}

		f.entryIndex = index
		f.flashOffset = oldEntry.Offset
		f.dataSize = f.oldDataSize + uint32(len(p))
		f.fdState = fdCommitted
		return nil
	}

	// Rewrite: copy the old content to a fresh allocation, then append.
	newOffset, err := fs.allocData(mask)
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	slot, err := fs.createEntry(Entry{
		NameLen:  f.nameLen,
		NameHash: f.nameHash,
		Offset:   newOffset,
		Size:     mask,
		Mtime:    MtimeUnset,
		Ctime:    f.oldCtime,
		OldEntry: uint32(f.oldEntryIndex),
		DstEntry: EntryNone,
	})
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	index := uint16(slot)

	if err := fs.m.program(newOffset, []byte(f.path)); err != nil {
		fs.abortEntry(index)
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	if f.oldDataSize > 0 {
		src := oldEntry.Offset + uint32(oldEntry.NameLen)
		dst := newOffset + uint32(f.nameLen)
		if err := fs.copyData(src, dst, f.oldDataSize); err != nil {
			fs.abortEntry(index)
			return checkpoint.Wrap(err, ErrWriteFile)
		}
	}
	if err := fs.m.program(newOffset+uint32(f.nameLen)+f.oldDataSize, p); err != nil {
		fs.abortEntry(index)
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	if err := fs.tombstoneOldFlow(index, f.oldEntryIndex, EntryNone); err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	f.entryIndex = index
	f.flashOffset = newOffset
	f.dataSize = f.oldDataSize + uint32(len(p))
	f.fdState = fdCommitted
	return nil
}

// extendWrite handles writes after the first one: extend within the current
// allocation when possible, otherwise run streaming expansion.
func (f *File) extendWrite(p []byte) error {
	fs := f.fs

	cur := fs.m.readEntry(f.entryIndex)
	newDataTotal := f.dataSize + uint32(len(p))
	newTotal := uint32(f.nameLen) + newDataTotal
	curAlloc := cur.AllocatedBytes()

	// The capacity mask, not the footprint, bounds in-place growth: the
	// exact size programmed at close must stay numerically below the mask.
	if newTotal <= cur.Size {
		writePos := f.flashOffset + uint32(f.nameLen) + f.dataSize
		if err := fs.m.program(writePos, p); err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}
		f.dataSize = newDataTotal
		return nil
	}

	// Streaming expansion. The new entry carries a fresh capacity mask; the
	// handle's entry index moves to it.
	newCapacity := newTotal | capacityMaskBits

	if fs.spaceAfterFree(f.flashOffset, curAlloc, newCapacity) {
		// Grow in place: claim the blocks directly behind the allocation.
		newAlloc := alignUp4k(newCapacity)
		if newAlloc > curAlloc {
			if err := fs.ensureErased(f.flashOffset+curAlloc, newAlloc-curAlloc); err != nil {
				return checkpoint.Wrap(err, ErrWriteFile)
			}
		}

		slot, err := fs.createEntry(Entry{
			NameLen:  f.nameLen,
			NameHash: f.nameHash,
			Offset:   f.flashOffset,
			Size:     newCapacity,
			Mtime:    MtimeUnset,
			Ctime:    cur.Ctime,
			OldEntry: uint32(f.entryIndex),
			DstEntry: EntryNone,
		})
		if err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}
		index := uint16(slot)

		if err := fs.tombstoneOldFlow(index, f.entryIndex, EntryNone); err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}

		if err := fs.m.program(f.flashOffset+uint32(f.nameLen)+f.dataSize, p); err != nil {
			return checkpoint.Wrap(err, ErrWriteFile)
		}

		f.entryIndex = index
		f.dataSize = newDataTotal
		return nil
	}

	// The next blocks are occupied: fall through to a full rewrite that
	// copies the data written so far.
	newOffset, err := fs.allocData(newCapacity)
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	slot, err := fs.createEntry(Entry{
		NameLen:  f.nameLen,
		NameHash: f.nameHash,
		Offset:   newOffset,
		Size:     newCapacity,
		Mtime:    MtimeUnset,
		Ctime:    cur.Ctime,
		OldEntry: uint32(f.entryIndex),
		DstEntry: EntryNone,
	})
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	index := uint16(slot)

	if err := fs.m.program(newOffset, []byte(f.path)); err != nil {
		fs.abortEntry(index)
		return checkpoint.Wrap(err, ErrWriteFile)
	}
	if f.dataSize > 0 {
		src := f.flashOffset + uint32(f.nameLen)
		dst := newOffset + uint32(f.nameLen)
		if err := fs.copyData(src, dst, f.dataSize); err != nil {
			fs.abortEntry(index)
			return checkpoint.Wrap(err, ErrWriteFile)
		}
	}

	if err := fs.tombstoneOldFlow(index, f.entryIndex, EntryNone); err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	if err := fs.m.program(newOffset+uint32(f.nameLen)+f.dataSize, p); err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	f.entryIndex = index
	f.flashOffset = newOffset
	f.dataSize = newDataTotal
	return nil
}

func (f *File) WriteAt([]byte, int64) (int, error) {
	// Flash data cannot be rewritten in place; writes always append.
	return 0, checkpoint.Wrap(ErrNotSupported, syscall.ESPIPE)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Close finalizes a committed write handle: mtime is programmed, the exact
// size replaces the capacity mask and the entry is promoted to VALID. A
// created or truncating handle that was never written first commits an
// empty file and is then finalized the same way. For everything else it
// just releases the handle.
func (f *File) Close() error {
	if f.closed {
		return checkpoint.From(ErrClosed)
	}
	f.closed = true
	fs := f.fs

	if f.isDirectory {
		fs.mu.Lock()
		fs.dirsOpen--
		fs.mu.Unlock()
		return nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	// A created file that was never written still becomes an (empty) file,
	// so create-then-close behaves like POSIX.
	if !f.readOnly && f.fdState == fdPendingNew {
		if err := f.firstWriteNew(nil); err != nil {
			fs.releaseFD(f)
			return err
		}
	}
	if !f.readOnly && f.fdState == fdPendingTruncate {
		if err := f.firstWriteTruncate(nil); err != nil {
			fs.releaseFD(f)
			return err
		}
	}

	if !f.readOnly && f.fdState == fdCommitted {
		if err := fs.writeMtime(f.entryIndex, fs.now()); err != nil {
			fs.releaseFD(f)
			return checkpoint.Wrap(err, ErrWriteFile)
		}
		exact := uint32(f.nameLen) + f.dataSize
		if err := fs.writeSize(f.entryIndex, exact); err != nil {
			fs.releaseFD(f)
			return checkpoint.Wrap(err, ErrWriteFile)
		}
		if err := fs.writeState(f.entryIndex, StateValid); err != nil {
			fs.releaseFD(f)
			return checkpoint.Wrap(err, ErrWriteFile)
		}
	}

	fs.releaseFD(f)
	return nil
}

// Sync is a no-op: every Write is already on flash when it returns.
func (f *File) Sync() error {
	if f.closed {
		return checkpoint.From(ErrClosed)
	}
	return nil
}

// Truncate is not supported; recreate the file instead.
func (f *File) Truncate(int64) error {
	return checkpoint.Wrap(ErrNotSupported, syscall.EPERM)
}

// Readdir reads the directory content, one entry per live slot in slot
// order. Entries whose mtime is not finalized yet report a zero mtime.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if f.closed {
		return nil, checkpoint.Wrap(ErrClosed, ErrReadDir)
	}
	if !f.isDirectory {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var result []os.FileInfo
	for f.cursor < MaxEntries {
		if count > 0 && len(result) >= count {
			break
		}
		index := uint16(f.cursor)
		f.cursor++

		e := fs.m.readEntry(index)
		if !IsLive(e.State) {
			continue
		}
		if !validateEntry(&e, fs.partitionSize) {
			continue
		}

		name := make([]byte, e.NameLen)
		if err := fs.m.dataRead(e.Offset, name); err != nil {
			continue
		}
		result = append(result, newFileInfo(string(name), &e))
	}

	if count > 0 && len(result) < count {
		return result, io.EOF
	}
	return result, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil && err != io.EOF {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}
	return names, err
}

// Stat returns the current metadata of the open file.
func (f *File) Stat() (os.FileInfo, error) {
	if f.closed {
		return nil, checkpoint.From(ErrClosed)
	}
	if f.isDirectory {
		return dirInfo{}, nil
	}

	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if f.fdState == fdCommitted {
		e := fs.m.readEntry(f.entryIndex)
		if IsLive(e.State) {
			return newFileInfo(f.path, &e), nil
		}
	}

	// Pending handle: report the running byte count.
	return pendingInfo{name: f.path, size: int64(f.dataSize)}, nil
}

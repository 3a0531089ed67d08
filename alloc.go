package mmrofs

import (
	"sort"

	"github.com/aligator/mmrofs/checkpoint"
)

// Data-region allocation. All functions require the filesystem mutex.

type dataRange struct {
	start uint32
	end   uint32
}

// occupiedRanges collects the allocation footprints that must not be reused:
// live entries, in-flight TOMBSTONING_OLD entries (their data is about to
// become live) and BADBLOCK markers. Sorted by start offset.
func (fs *Fs) occupiedRanges() []dataRange {
	ranges := make([]dataRange, 0, 16)
	for i := uint16(0); i < MaxEntries; i++ {
		e := fs.m.readEntry(i)
		switch e.State {
		case StateActive, StateValid, StateTombstoningOld, StateBadBlock:
		default:
			continue
		}
		if e.Offset < DataRegionStart || e.Offset >= fs.partitionSize {
			continue
		}
		ranges = append(ranges, dataRange{start: e.Offset, end: e.Offset + e.AllocatedBytes()})
	}
	sort.Slice(ranges, func(a, b int) bool { return ranges[a].start < ranges[b].start })
	return ranges
}

// findFreeData picks a 4 KiB aligned offset for a new allocation of
// neededBytes. It first tries to append after the highest occupied range;
// when that overflows the partition it falls back to first-fit across the
// gaps between occupied ranges.
func (fs *Fs) findFreeData(neededBytes uint32) (uint32, error) {
	alloc := alignUp4k(neededBytes)
	if alloc == 0 {
		alloc = EraseBlockSize
	}
	ranges := fs.occupiedRanges()

	dataEnd := uint32(DataRegionStart)
	for _, r := range ranges {
		if r.end > dataEnd {
			dataEnd = r.end
		}
	}

	candidate := alignUp4k(dataEnd)
	if candidate+alloc >= candidate && candidate+alloc <= fs.partitionSize {
		return candidate, nil
	}

	// First fit across gaps.
	candidate = DataRegionStart
	for _, r := range ranges {
		if candidate+alloc <= r.start {
			return candidate, nil
		}
		if r.end > candidate {
			candidate = r.end
		}
	}
	if candidate+alloc >= candidate && candidate+alloc <= fs.partitionSize {
		return candidate, nil
	}
	return 0, checkpoint.From(ErrNoSpace)
}

// spaceAfterFree reports whether the blocks behind an existing allocation at
// offset can be claimed to grow it to neededTotal bytes: no occupied range
// may overlap them and the flash there must be reusable (erased or
// tombstoned; tombstoned blocks get erased by ensureErased later).
func (fs *Fs) spaceAfterFree(offset, currentAlloc, neededTotal uint32) bool {
	newAlloc := alignUp4k(neededTotal)
	if newAlloc <= currentAlloc {
		return true
	}

	extraStart := offset + currentAlloc
	extraEnd := offset + newAlloc
	if extraEnd < extraStart || extraEnd > fs.partitionSize {
		return false
	}

	for _, r := range fs.occupiedRanges() {
		if r.start == offset {
			// The allocation being grown.
			continue
		}
		if r.start < extraEnd && r.end > extraStart {
			return false
		}
	}
	return true
}

// ensureErased makes [off, off+length) read as 0xFF, erasing the constituent
// blocks that do not. A block that still reads non-0xFF after its erase is
// worn out: it is pinned with a BADBLOCK marker and the function fails, so
// the caller can allocate elsewhere.
func (fs *Fs) ensureErased(off, length uint32) error {
	length = alignUp4k(length)
	buf := fs.scratch[:EraseBlockSize]

	for block := off; block < off+length; block += EraseBlockSize {
		if err := fs.m.dataRead(block, buf); err != nil {
			return err
		}
		if allErased(buf) {
			continue
		}
		if err := fs.m.erase(block, EraseBlockSize); err != nil {
			return err
		}
		if err := fs.m.dataRead(block, buf); err != nil {
			return err
		}
		if !allErased(buf) {
			fs.markBadBlock(block)
			return checkpoint.Wrap(ErrFlashIO, ErrNoSpace)
		}
	}
	return nil
}

func allErased(buf []byte) bool {
	for _, b := range buf {
		if b != 0xFF {
			return false
		}
	}
	return true
}

// markBadBlock pins a data-region block that failed erase verification so no
// future allocation touches it. The pin is a synthetic entry whose footprint
// covers the block; it is never live, so it is exempt from validation.
func (fs *Fs) markBadBlock(block uint32) {
	fs.log.WithField("offset", block).Error("flash block failed erase verification, marking bad")

	slot := fs.allocEntry()
	if slot < 0 {
		fs.log.Error("no entry slot available for bad-block marker")
		return
	}
	e := Entry{
		State:    StateBadBlock,
		NameLen:  0,
		NameHash: 0,
		Offset:   block,
		Size:     EraseBlockSize,
		Mtime:    0,
		Ctime:    0,
		OldEntry: EntryNone,
		DstEntry: EntryNone,
	}
	buf := encodeEntry(&e)
	if err := fs.m.program(entryFlashOffset(uint16(slot)), buf[:]); err != nil {
		fs.log.WithError(err).Error("failed to write bad-block marker")
	}
}

// allocData finds and prepares a fresh data allocation: pick an offset, make
// sure it is erased, and retry elsewhere when a bad block turns up.
func (fs *Fs) allocData(neededBytes uint32) (uint32, error) {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		offset, err := fs.findFreeData(neededBytes)
		if err != nil {
			return 0, err
		}
		if err := fs.ensureErased(offset, neededBytes); err != nil {
			// A new BADBLOCK marker shifts the next candidate.
			lastErr = err
			continue
		}
		return offset, nil
	}
	return 0, lastErr
}

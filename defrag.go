package mmrofs

import "sort"

// Header and data region defragmentation. Both run under the filesystem
// mutex and relocate entries exclusively through the TOMBSTONING_OLD
// handover, so a crash at any point leaves either the old or the new entry
// recoverable, never both or neither.

// headerPages is the number of erasable pages in the entry table.
const headerPages = HeaderSize / EraseBlockSize

// compactEntryTable reclaims entry-table pages when the FREE slots run out.
// It erases pages whose every slot is dead (TOMBSTONE or ERASED), then moves
// live entries out of the page with the fewest of them into the slots just
// freed and erases that page too. Open handles referencing a moved slot are
// re-pointed before the mutex is released.
//
// Returns true when at least one slot became FREE.
func (fs *Fs) compactEntryTable() bool {
	fs.compacting = true
	defer func() { fs.compacting = false }()

	freed := false

	for page := 0; page < headerPages; page++ {
		if fs.pageFullyDead(page) {
			if fs.erasePage(page) {
				freed = true
			}
		}
	}
	if !freed {
		// Without a fully dead page there is no FREE slot to relocate
		// into, so nothing more can be done.
		return false
	}

	// Consolidate: empty the page with the fewest live entries so the next
	// exhaustion finds it fully dead.
	for {
		page := fs.sparsestRelocatablePage()
		if page < 0 {
			break
		}
		if !fs.relocatePage(page) {
			break
		}
		if !fs.pageFullyDead(page) || !fs.erasePage(page) {
			break
		}
	}

	return freed
}

// pageFullyDead reports whether every slot of a header page is TOMBSTONE or
// ERASED.
func (fs *Fs) pageFullyDead(page int) bool {
	base := uint16(page * EntriesPerPage)
	for i := uint16(0); i < EntriesPerPage; i++ {
		state := fs.m.entrySlot(base + i)[0]
		if state != StateTombstone && state != StateErased {
			return false
		}
	}
	return true
}

// erasePage erases one header page back to FREE slots. A page that fails
// erase verification has every slot marked BADBLOCK as far as the stuck
// bits allow.
func (fs *Fs) erasePage(page int) bool {
	off := uint32(page) * EraseBlockSize
	if err := fs.m.erase(off, EraseBlockSize); err != nil {
		fs.log.WithError(err).WithField("page", page).Warn("header page erase failed")
		return false
	}
	if !allErased(fs.m.header[off : off+EraseBlockSize]) {
		fs.log.WithField("page", page).Error("header page failed erase verification, marking bad")
		base := uint16(page * EntriesPerPage)
		for i := uint16(0); i < EntriesPerPage; i++ {
			if err := fs.writeState(base+i, StateBadBlock); err != nil {
				fs.log.WithError(err).WithField("entry", base+i).Warn("bad-block state write failed")
			}
		}
		return false
	}
	if base := uint16(page * EntriesPerPage); base < fs.nextFreeEntry {
		fs.nextFreeEntry = base
	}
	fs.log.WithField("page", page).Info("reclaimed entry-table page")
	return true
}

// sparsestRelocatablePage picks the page holding the fewest live entries
// that is still worth emptying: at least one live entry, everything else
// dead, and fewer live entries than the FREE slots available elsewhere.
func (fs *Fs) sparsestRelocatablePage() int {
	freeElsewhere := make([]int, headerPages)
	live := make([]int, headerPages)
	relocatable := make([]bool, headerPages)

	totalFree := 0
	for page := 0; page < headerPages; page++ {
		base := uint16(page * EntriesPerPage)
		relocatable[page] = true
		for i := uint16(0); i < EntriesPerPage; i++ {
			switch state := fs.m.entrySlot(base + i)[0]; state {
			case StateActive, StateValid:
				live[page]++
			case StateTombstone, StateErased:
			case StateFree:
				if allErased(fs.m.entrySlot(base + i)) {
					freeElsewhere[page]++
					totalFree++
				}
			default:
				// BADBLOCK or an in-flight state pins the page.
				relocatable[page] = false
			}
		}
	}

	best, bestLive := -1, 0
	for page := 0; page < headerPages; page++ {
		if !relocatable[page] || live[page] == 0 || freeElsewhere[page] > 0 {
			continue
		}
		if live[page] >= totalFree-freeElsewhere[page] {
			continue
		}
		if best < 0 || live[page] < bestLive {
			best, bestLive = page, live[page]
		}
	}
	return best
}

// relocatePage moves every live entry of a page to a FREE slot elsewhere.
func (fs *Fs) relocatePage(page int) bool {
	base := uint16(page * EntriesPerPage)
	for i := uint16(0); i < EntriesPerPage; i++ {
		index := base + i
		e := fs.m.readEntry(index)
		if !IsLive(e.State) {
			continue
		}
		if !fs.relocateEntryMetadata(index, &e) {
			return false
		}
	}
	return true
}

// relocateEntryMetadata copies an entry to a fresh slot through the normal
// handover; the data region is untouched, the copy aliases the same offset.
// Open handles follow the move by index.
func (fs *Fs) relocateEntryMetadata(index uint16, e *Entry) bool {
	wasValid := e.State == StateValid

	slot, err := fs.createEntry(Entry{
		NameLen:  e.NameLen,
		NameHash: e.NameHash,
		Offset:   e.Offset,
		Size:     e.Size,
		Mtime:    e.Mtime,
		Ctime:    e.Ctime,
		OldEntry: uint32(index),
		DstEntry: EntryNone,
	})
	if err != nil {
		return false
	}
	newIndex := uint16(slot)

	if err := fs.tombstoneOldFlow(newIndex, index, EntryNone); err != nil {
		fs.log.WithError(err).WithField("entry", index).Warn("relocation handover failed")
		return false
	}
	if wasValid {
		if err := fs.writeState(newIndex, StateValid); err != nil {
			fs.log.WithError(err).WithField("entry", newIndex).Warn("relocation promote failed")
			return false
		}
	}

	fs.patchHandles(index, newIndex)
	fs.log.WithField("entry", index).WithField("new", newIndex).Debug("relocated entry metadata")
	return true
}

// patchHandles re-points open handles from a relocated slot to its
// replacement.
func (fs *Fs) patchHandles(old, new uint16) {
	for _, f := range fs.fds {
		if f == nil {
			continue
		}
		if f.fdState == fdCommitted && f.entryIndex == old {
			f.entryIndex = new
		}
		if (f.fdState == fdPendingUpdate || f.fdState == fdPendingTruncate) && f.oldEntryIndex == old {
			f.oldEntryIndex = new
		}
	}
}

// DefragmentData forward-compacts the data region: every VALID entry whose
// content fits into an earlier gap is relocated there through a full copy
// and handover. The pass iterates until no entry moves. It is never run
// implicitly; erase-heavy and slow, it is meant for maintenance windows and
// offline tooling.
func (fs *Fs) DefragmentData() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for moved := true; moved; {
		moved = false

		type liveEntry struct {
			index uint16
			entry Entry
		}
		var live []liveEntry
		for i := uint16(0); i < MaxEntries; i++ {
			e := fs.m.readEntry(i)
			if e.State != StateValid {
				continue
			}
			if !validateEntry(&e, fs.partitionSize) {
				continue
			}
			live = append(live, liveEntry{index: i, entry: e})
		}
		sort.Slice(live, func(a, b int) bool { return live[a].entry.Offset < live[b].entry.Offset })

		for _, le := range live {
			target, ok := fs.earlierGap(&le.entry)
			if !ok {
				continue
			}
			if err := fs.relocateEntryData(le.index, &le.entry, target); err != nil {
				return err
			}
			moved = true
			break
		}
	}
	return nil
}

// earlierGap finds the lowest gap that fits the entry's footprint strictly
// before its current offset, without overlapping the entry itself.
func (fs *Fs) earlierGap(e *Entry) (uint32, bool) {
	alloc := e.AllocatedBytes()
	candidate := uint32(DataRegionStart)
	for _, r := range fs.occupiedRanges() {
		if r.start == e.Offset {
			continue
		}
		if candidate+alloc <= r.start {
			break
		}
		if r.end > candidate {
			candidate = r.end
		}
	}
	if candidate+alloc <= e.Offset {
		return candidate, true
	}
	return 0, false
}

// relocateEntryData moves an entry's filename and data to target and hands
// the name over to a fresh entry there.
func (fs *Fs) relocateEntryData(index uint16, e *Entry, target uint32) error {
	if err := fs.ensureErased(target, e.AllocatedBytes()); err != nil {
		return err
	}

	slot, err := fs.createEntry(Entry{
		NameLen:  e.NameLen,
		NameHash: e.NameHash,
		Offset:   target,
		Size:     e.Size,
		Mtime:    e.Mtime,
		Ctime:    e.Ctime,
		OldEntry: uint32(index),
		DstEntry: EntryNone,
	})
	if err != nil {
		return err
	}
	newIndex := uint16(slot)

	if err := fs.copyData(e.Offset, target, e.Size); err != nil {
		fs.abortEntry(newIndex)
		return err
	}
	if err := fs.tombstoneOldFlow(newIndex, index, EntryNone); err != nil {
		return err
	}
	if err := fs.writeState(newIndex, StateValid); err != nil {
		return err
	}

	fs.patchHandles(index, newIndex)
	fs.log.WithField("entry", index).WithField("offset", target).Info("compacted file data")
	return nil
}

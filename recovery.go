package mmrofs

// Boot-time recovery. Runs on every mount before any read or write is
// accepted, and restores every in-flight transition to a terminal state.
// Recovery never propagates entry-level problems: it tombstones and logs.
// Running it twice back to back programs nothing the second time.

func (fs *Fs) recover() {
	for i := uint16(0); i < MaxEntries; i++ {
		slot := fs.m.entrySlot(i)
		e := decodeEntry(slot)

		switch e.State {
		case StateFree:
			if !allErased(slot) {
				// Interrupted rewrite of an erased page left a body behind.
				fs.recoverWrite(i, StateErased, "downgrading dirty FREE slot")
			}

		case StateAllocating, StatePendingData:
			// An interrupted write of a brand-new entry. Its data region is
			// orphaned and reclaimed lazily by the allocator.
			fs.log.WithField("entry", i).WithField("state", e.State).
				Warn("recovery: tombstoning incomplete entry")
			fs.recoverWrite(i, StateTombstone, "tombstone")

		case StateTombstoningOld:
			if !validateEntry(&e, fs.partitionSize) {
				fs.recoverWrite(i, StateTombstone, "tombstoning invalid TOMBSTONING_OLD entry")
				continue
			}
			fs.log.WithField("entry", i).Info("recovery: completing interrupted handover")
			fs.completeTombstoningOld(i, &e)
			e = fs.m.readEntry(i)
			fs.recoverActive(i, &e)

		case StateActive:
			fs.recoverActive(i, &e)

		case StateValid:
			if !validateEntry(&e, fs.partitionSize) {
				fs.log.WithField("entry", i).Warn("recovery: tombstoning invalid VALID entry")
				fs.recoverWrite(i, StateTombstone, "tombstone")
			}

		case StateTombstone, StateBadBlock, StateErased:
			// Terminal.

		default:
			// A state byte torn mid-program matches none of the nine
			// patterns. The slot can never be trusted again.
			fs.log.WithField("entry", i).WithField("state", e.State).
				Warn("recovery: unknown state, marking erased")
			fs.recoverWrite(i, StateErased, "erase unknown state")
		}
	}

	fs.rebuildNextFree()
}

func (fs *Fs) recoverWrite(index uint16, state uint8, what string) {
	if err := fs.writeState(index, state); err != nil {
		fs.log.WithError(err).WithField("entry", index).Warnf("recovery: %s failed", what)
	}
}

// completeTombstoningOld finishes the handover an interrupted operation left
// behind: tombstone the referenced predecessor and rename destination when
// they are still live, then publish this entry as ACTIVE.
func (fs *Fs) completeTombstoningOld(index uint16, e *Entry) {
	if e.OldEntry != EntryNone && e.OldEntry < MaxEntries {
		old := fs.m.readEntry(uint16(e.OldEntry))
		if IsLive(old.State) {
			fs.recoverWrite(uint16(e.OldEntry), StateTombstone, "tombstone predecessor")
		}
	}
	if e.DstEntry != EntryNone && e.DstEntry < MaxEntries {
		dst := fs.m.readEntry(uint16(e.DstEntry))
		if IsLive(dst.State) {
			fs.recoverWrite(uint16(e.DstEntry), StateTombstone, "tombstone rename destination")
		}
	}
	fs.recoverWrite(index, StateActive, "publish")
}

// recoverActive repairs an ACTIVE entry whose size or mtime was never
// finalized, then promotes it to VALID when that is safe.
func (fs *Fs) recoverActive(index uint16, e *Entry) {
	if !validateEntry(e, fs.partitionSize) {
		fs.recoverWrite(index, StateTombstone, "tombstoning invalid ACTIVE entry")
		return
	}

	inPlace := fs.recoverSize(index, e)
	fs.recoverMtime(index, e, !inPlace)
}

// recoverSize infers the real on-flash size by scanning the allocation
// backwards for the last non-0xFF byte.
//
// A capacity mask is always replaced with the inferred exact size. A
// finalized size word larger than the inferred size by more than 2 bytes is
// treated as torn and overwritten too; files whose data legitimately ends in
// three or more 0xFF bytes lose that tail here, which the format accepts as
// the price of not carrying checksums. The new size is programmed in place
// only when its bits are a subset of the current word; a smaller value can
// still need a bit the word has already cleared (7 over 10, for example).
// In that case e.Size is updated in memory only and recoverSize returns
// false, so that recoverMtime moves the metadata to a fresh slot carrying
// the inferred size.
func (fs *Fs) recoverSize(index uint16, e *Entry) bool {
	alloc := e.AllocatedBytes()
	nameEnd := e.Offset + uint32(e.NameLen)
	scanEnd := e.Offset + alloc

	inferred := uint32(e.NameLen)
	buf := fs.scratch[:EraseBlockSize]

	pos := scanEnd
	for pos > nameEnd {
		chunkStart := pos - uint32(len(buf))
		if chunkStart < nameEnd || chunkStart > pos {
			chunkStart = nameEnd
		}
		chunk := buf[:pos-chunkStart]
		if err := fs.m.dataRead(chunkStart, chunk); err != nil {
			fs.log.WithError(err).WithField("entry", index).Warn("recovery: size scan read failed")
			return true
		}
		found := false
		for j := len(chunk) - 1; j >= 0; j-- {
			if chunk[j] != 0xFF {
				inferred = (chunkStart + uint32(j)) - e.Offset + 1
				found = true
				break
			}
		}
		if found {
			break
		}
		pos = chunkStart
	}

	if isCapacityMask(e.Size) {
		if inferred != e.Size {
			fs.log.WithField("entry", index).WithField("size", inferred).
				Info("recovery: finalizing streamed size")
			if inferred&^e.Size != 0 {
				e.Size = inferred
				return false
			}
			if err := fs.writeSize(index, inferred); err != nil {
				fs.log.WithError(err).WithField("entry", index).Warn("recovery: size finalize failed")
				return true
			}
			e.Size = inferred
		}
	} else if inferred < e.Size && e.Size-inferred > 2 {
		fs.log.WithField("entry", index).WithField("size", inferred).
			Warn("recovery: size word looks torn, rewriting")
		if inferred&^e.Size != 0 {
			e.Size = inferred
			return false
		}
		if err := fs.writeSize(index, inferred); err != nil {
			fs.log.WithError(err).WithField("entry", index).Warn("recovery: size rewrite failed")
			return true
		}
		e.Size = inferred
	}
	return true
}

// recoverMtime finalizes the mtime word. A virgin mtime is programmed in
// place and the entry promoted to VALID. A non-virgin mtime might be torn,
// and a torn word cannot be repaired in place (the true time may need bits
// the tear already cleared), so the metadata is copied to a fresh slot with
// mtime = now through the normal handover flow. The copy aliases the same
// data offset; no data is moved. A crash during the repair is itself cleaned
// up on the next boot by the TOMBSTONING_OLD rule. forceCopy takes the copy
// path even for a virgin mtime; recoverSize asks for it when the size word
// could not be rewritten in place.
func (fs *Fs) recoverMtime(index uint16, e *Entry, forceCopy bool) {
	if e.Mtime == MtimeUnset && !forceCopy {
		if err := fs.writeMtime(index, fs.now()); err != nil {
			fs.log.WithError(err).WithField("entry", index).Warn("recovery: mtime write failed")
			return
		}
		fs.recoverWrite(index, StateValid, "promote")
		fs.log.WithField("entry", index).Info("recovery: promoted to VALID")
		return
	}

	ne := Entry{
		NameLen:  e.NameLen,
		NameHash: e.NameHash,
		Offset:   e.Offset,
		Size:     e.Size,
		Mtime:    fs.now(),
		Ctime:    e.Ctime,
		OldEntry: uint32(index),
		DstEntry: EntryNone,
	}
	slot, err := fs.createEntry(ne)
	if err != nil {
		// Leave ACTIVE; the mtime may be wrong but the data is intact.
		fs.log.WithField("entry", index).Warn("recovery: no free slot to fix possibly torn mtime")
		return
	}
	newIndex := uint16(slot)
	if err := fs.tombstoneOldFlow(newIndex, index, EntryNone); err != nil {
		return
	}
	// The mtime was written by this boot, so it is trustworthy.
	fs.recoverWrite(newIndex, StateValid, "promote repaired entry")
	fs.log.WithField("entry", index).WithField("new", newIndex).
		Info("recovery: reallocated entry with possibly torn mtime")
}

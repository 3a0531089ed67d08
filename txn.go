package mmrofs

import "encoding/binary"

// The per-entry state machine. Every flow is a fixed sequence of flash
// programs ordered so that any prefix of it is classified and resolved by
// recovery: the state byte is always the commit point, and every field
// update only clears bits relative to its erased or masked placeholder.

// writeMtime programs the mtime word of a slot. The field starts as
// 0xFFFFFFFF, so the first program is always a pure 1→0 transition.
func (fs *Fs) writeMtime(index uint16, mtime uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], mtime)
	return fs.m.program(entryFlashOffset(index)+entryOffMtime, buf[:])
}

// writeSize programs the size word of a slot. The program succeeds only when
// size's bits are a subset of the current word. The close path meets this:
// the mask is total | 0xFFF and the exact size lies between total and the
// mask, so it shares the mask's upper bits and only clears low ones.
func (fs *Fs) writeSize(index uint16, size uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], size)
	return fs.m.program(entryFlashOffset(index)+entryOffSize, buf[:])
}

// createEntry reserves a slot and drives it ALLOCATING → PENDING_DATA:
// first the state byte claims the slot, then the remaining 31 metadata
// bytes are programmed, then PENDING_DATA commits the metadata. A crash
// anywhere in between leaves a slot recovery will tombstone.
//
// Returns the slot index, or -1 with ErrNoSpace when the table is full.
func (fs *Fs) createEntry(e Entry) (int, error) {
	slot := fs.allocEntry()
	if slot < 0 {
		fs.log.Error("no free entry slot")
		return -1, ErrNoSpace
	}
	index := uint16(slot)

	if err := fs.writeState(index, StateAllocating); err != nil {
		return -1, err
	}

	e.State = StateAllocating
	e.Reserved = 0x00
	buf := encodeEntry(&e)
	if err := fs.m.program(entryFlashOffset(index)+1, buf[1:]); err != nil {
		fs.abortEntry(index)
		return -1, err
	}

	if err := fs.writeState(index, StatePendingData); err != nil {
		fs.abortEntry(index)
		return -1, err
	}
	return slot, nil
}

// abortEntry rolls an in-flight entry back by tombstoning it. Used when a
// program fails after ALLOCATING; readers never saw the entry, so the
// operation reports failure with the filesystem unchanged.
func (fs *Fs) abortEntry(index uint16) {
	if err := fs.writeState(index, StateTombstone); err != nil {
		fs.log.WithError(err).WithField("entry", index).Warn("rollback tombstone failed")
	}
}

// tombstoneOldFlow drives a PENDING_DATA entry through the handover:
// TOMBSTONING_OLD commits the intent, the predecessor (and, for rename, the
// overwritten destination) are tombstoned, then ACTIVE publishes the new
// entry. After the TOMBSTONING_OLD byte lands, a crash at any later point
// deterministically finishes the same sequence during recovery.
func (fs *Fs) tombstoneOldFlow(newSlot, oldSlot uint16, dstSlot uint32) error {
	if err := fs.writeState(newSlot, StateTombstoningOld); err != nil {
		return err
	}
	if err := fs.writeState(oldSlot, StateTombstone); err != nil {
		return err
	}
	if dstSlot != EntryNone && dstSlot < MaxEntries {
		if err := fs.writeState(uint16(dstSlot), StateTombstone); err != nil {
			return err
		}
	}
	return fs.writeState(newSlot, StateActive)
}

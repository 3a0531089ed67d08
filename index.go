package mmrofs

// Operations over the header-resident entry table. All of them require the
// filesystem mutex to be held.

// entryFlashOffset returns the partition offset of a slot.
func entryFlashOffset(index uint16) uint32 {
	return uint32(index) * EntrySize
}

// writeState programs just the state byte of a slot.
func (fs *Fs) writeState(index uint16, state uint8) error {
	return fs.m.program(entryFlashOffset(index), []byte{state})
}

// allocEntry finds a usable FREE slot, starting from the next-free hint.
// A slot counts as FREE only when all 32 bytes read 0xFF; a slot whose state
// byte is 0xFF but whose body is not (left behind by an interrupted rewrite
// of an erased page) is downgraded to ERASED and skipped.
//
// When the scan comes up empty the entry table is compacted once and the
// scan retried. Returns -1 when the table is genuinely full.
func (fs *Fs) allocEntry() int {
	for pass := 0; pass < 2; pass++ {
		for i := fs.nextFreeEntry; i < MaxEntries; i++ {
			slot := fs.m.entrySlot(i)
			if slot[0] != StateFree {
				continue
			}

			allFF := true
			for _, b := range slot {
				if b != 0xFF {
					allFF = false
					break
				}
			}
			if !allFF {
				if err := fs.writeState(i, StateErased); err != nil {
					fs.log.WithError(err).WithField("entry", i).
						Warn("failed to downgrade corrupt FREE slot")
				}
				continue
			}

			fs.nextFreeEntry = i + 1
			return int(i)
		}

		if pass == 0 {
			if fs.compacting || !fs.compactEntryTable() {
				break
			}
			fs.nextFreeEntry = 0
		}
	}
	return -1
}

// rebuildNextFree points the allocation hint at the lowest FREE slot.
func (fs *Fs) rebuildNextFree() {
	fs.nextFreeEntry = MaxEntries
	for i := uint16(0); i < MaxEntries; i++ {
		slot := fs.m.entrySlot(i)
		if slot[0] != StateFree {
			continue
		}
		allFF := true
		for _, b := range slot {
			if b != 0xFF {
				allFF = false
				break
			}
		}
		if allFF {
			fs.nextFreeEntry = i
			return
		}
	}
}

// lookup scans the table for the live entry holding the given filename.
// The hash only pre-filters; candidates are validated and then confirmed by
// comparing the filename stored at the start of their data region. Invalid
// candidates are tombstoned on the spot.
//
// Returns the slot index and the decoded entry, or -1 when not found.
func (fs *Fs) lookup(name string) (int, Entry) {
	hash := hashName(name)
	nameLen := uint16(len(name))
	buf := make([]byte, len(name))

	for i := uint16(0); i < MaxEntries; i++ {
		e := fs.m.readEntry(i)
		if !IsLive(e.State) {
			continue
		}
		if e.NameHash != hash || e.NameLen != nameLen {
			continue
		}

		if !validateEntry(&e, fs.partitionSize) {
			fs.log.WithField("entry", i).Warn("tombstoning invalid entry hit by lookup")
			if err := fs.writeState(i, StateTombstone); err != nil {
				fs.log.WithError(err).WithField("entry", i).Warn("tombstone failed")
			}
			continue
		}

		if err := fs.m.dataRead(e.Offset, buf); err != nil {
			continue
		}
		if string(buf) == name {
			return int(i), e
		}
	}
	return -1, Entry{}
}

package mmrofs

import (
	"encoding/binary"
	"hash/fnv"
)

// Field byte offsets within an encoded entry. Used for single-field
// programs, which must hit the exact on-flash position.
const (
	entryOffState = 0
	entryOffSize  = 12
	entryOffMtime = 16
)

// encodeEntry packs an entry into its 32-byte little-endian on-flash form.
func encodeEntry(e *Entry) [EntrySize]byte {
	var buf [EntrySize]byte
	buf[0] = e.State
	buf[1] = e.Reserved
	binary.LittleEndian.PutUint16(buf[2:4], e.NameLen)
	binary.LittleEndian.PutUint32(buf[4:8], e.NameHash)
	binary.LittleEndian.PutUint32(buf[8:12], e.Offset)
	binary.LittleEndian.PutUint32(buf[12:16], e.Size)
	binary.LittleEndian.PutUint32(buf[16:20], e.Mtime)
	binary.LittleEndian.PutUint32(buf[20:24], e.Ctime)
	binary.LittleEndian.PutUint32(buf[24:28], e.OldEntry)
	binary.LittleEndian.PutUint32(buf[28:32], e.DstEntry)
	return buf
}

// decodeEntry unpacks a 32-byte slot image into an Entry.
func decodeEntry(buf []byte) Entry {
	return Entry{
		State:    buf[0],
		Reserved: buf[1],
		NameLen:  binary.LittleEndian.Uint16(buf[2:4]),
		NameHash: binary.LittleEndian.Uint32(buf[4:8]),
		Offset:   binary.LittleEndian.Uint32(buf[8:12]),
		Size:     binary.LittleEndian.Uint32(buf[12:16]),
		Mtime:    binary.LittleEndian.Uint32(buf[16:20]),
		Ctime:    binary.LittleEndian.Uint32(buf[20:24]),
		OldEntry: binary.LittleEndian.Uint32(buf[24:28]),
		DstEntry: binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// validateEntry checks all entry fields against the partition bounds.
// A reader that matched an entry by hash must validate it before
// dereferencing Offset: a single flipped bit in Offset could otherwise
// redirect reads past the partition end.
func validateEntry(e *Entry, partitionSize uint32) bool {
	if e.NameLen == 0 {
		return false
	}
	if isCapacityMask(e.Size) {
		if e.AllocatedBytes() < uint32(e.NameLen) {
			return false
		}
	} else if e.Size < uint32(e.NameLen) {
		return false
	}
	if e.Offset < DataRegionStart {
		return false
	}
	if e.Offset%EraseBlockSize != 0 {
		return false
	}
	alloc := e.AllocatedBytes()
	if alloc == 0 || e.Offset+alloc < e.Offset || e.Offset+alloc > partitionSize {
		return false
	}
	if e.OldEntry != EntryNone && e.OldEntry >= MaxEntries {
		return false
	}
	if e.DstEntry != EntryNone && e.DstEntry >= MaxEntries {
		return false
	}
	return true
}

// hashName returns the FNV-1a 32-bit hash of the raw filename bytes.
// It is only a fast reject filter; matches are confirmed by comparing the
// filename stored in the data region.
func hashName(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}

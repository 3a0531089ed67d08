package mmrofs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefragmentDataCompactsForward(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	first := bytes.Repeat([]byte{0x11}, 3000)
	second := bytes.Repeat([]byte{0x22}, 3000)
	writeFile(t, fs, "first", first)
	writeFile(t, fs, "second", second)
	require.NoError(t, fs.Remove("first"))

	require.NoError(t, fs.DefragmentData())

	// "second" moved into the gap at the start of the data region.
	idx, e := fs.lookup("second")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, uint32(DataRegionStart), e.Offset)
	assert.Equal(t, []byte(second), readFile(t, fs, "second"))

	// Still intact after a remount.
	fs = mountTest(t, dev)
	assert.Equal(t, []byte(second), readFile(t, fs, "second"))
}

func TestDefragmentDataIsStableWhenCompact(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "a", []byte("aaa"))
	writeFile(t, fs, "b", []byte("bbb"))

	before := dev.Writes
	require.NoError(t, fs.DefragmentData())
	assert.Equal(t, before, dev.Writes, "a compact region must not be rewritten")
}

func TestCompactEntryTableReclaimsDeadPage(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	// Make page 0 fully dead: every slot tombstoned.
	fs.mu.Lock()
	for i := uint16(0); i < EntriesPerPage; i++ {
		require.NoError(t, fs.writeState(i, StateTombstone))
	}
	freed := fs.compactEntryTable()
	fs.mu.Unlock()

	assert.True(t, freed)
	for i := uint16(0); i < EntriesPerPage; i++ {
		assert.Equal(t, StateFree, fs.m.entrySlot(i)[0])
	}

	// The reclaimed slots are usable again.
	writeFile(t, fs, "reborn", []byte("alive"))
	idx, _ := fs.lookup("reborn")
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, int(EntriesPerPage))
}

func TestCompactEntryTableKeepsLivePages(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "keep", []byte("kept"))

	fs.mu.Lock()
	// Tombstone everything around it in page 0, but the live entry must pin
	// the page.
	idx, _ := fs.lookup("keep")
	require.GreaterOrEqual(t, idx, 0)
	for i := uint16(0); i < EntriesPerPage; i++ {
		if int(i) == idx {
			continue
		}
		require.NoError(t, fs.writeState(i, StateTombstone))
	}
	freed := fs.compactEntryTable()
	fs.mu.Unlock()

	assert.False(t, freed, "a page with a live entry is not reclaimed while no page is fully dead")
	assert.Equal(t, []byte("kept"), readFile(t, fs, "keep"))
}

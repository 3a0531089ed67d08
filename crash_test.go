package mmrofs

import (
	"bytes"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The crash matrix: run an operation, cut power after every interesting
// byte budget, remount and check the recovered filesystem against the
// properties every prefix of a write sequence must satisfy:
//
//   - the set of live filenames equals the pre- or the post-operation set
//   - every live entry passes validation
//   - no two live footprints overlap
//   - a second recovery is a no-op
//
// The 1→0 property is enforced by the RAM device itself, which rejects any
// program that would set a bit.

// liveNames lists the filenames of all live entries after a fresh mount.
func liveNames(t *testing.T, fs *Fs) []string {
	t.Helper()
	dir, err := fs.Open("/")
	require.NoError(t, err)
	defer dir.Close()
	names, err := dir.Readdirnames(-1)
	require.NoError(t, err)
	sort.Strings(names)
	return names
}

// checkInvariants validates every live entry and the footprint overlap rule
// straight off the device.
func checkInvariants(t *testing.T, fs *Fs) {
	t.Helper()
	var ranges []dataRange
	for i := uint16(0); i < MaxEntries; i++ {
		e := fs.m.readEntry(i)
		if !IsLive(e.State) {
			continue
		}
		assert.True(t, validateEntry(&e, fs.partitionSize), "live entry %d must validate", i)
		ranges = append(ranges, dataRange{start: e.Offset, end: e.Offset + e.AllocatedBytes()})
	}
	sort.Slice(ranges, func(a, b int) bool { return ranges[a].start < ranges[b].start })
	for i := 1; i < len(ranges); i++ {
		assert.LessOrEqual(t, ranges[i-1].end, ranges[i].start,
			"live footprints must not overlap")
	}
}

// cutBudgets picks the byte budgets to test: every single byte early in the
// sequence, where all the state transitions happen, and a coarser stride
// through the bulk data writes.
func cutBudgets(total int64) []int64 {
	var budgets []int64
	for n := int64(1); n < total; n++ {
		if n <= 96 || n%89 == 0 {
			budgets = append(budgets, n)
		}
	}
	return budgets
}

func runCrashMatrix(t *testing.T, name string, op func(fs *Fs) error) {
	const devSize = HeaderSize + 32*EraseBlockSize

	// Seed state: two files, one tombstone to keep the allocator honest.
	seed := NewRAMDevice(devSize)
	fs := mountTest(t, seed)
	writeFile(t, fs, "alpha", []byte("alpha content"))
	writeFile(t, fs, "beta", bytes.Repeat([]byte{0xB7}, 5000))
	writeFile(t, fs, "doomed", []byte("soon gone"))
	require.NoError(t, fs.Remove("doomed"))
	img := seed.Snapshot()

	preNames := liveNames(t, mountTest(t, seed))

	// Reference run to learn the op's full write count and post state.
	ref := NewRAMDevice(devSize)
	ref.Restore(img)
	refFs := mountTest(t, ref)
	before := ref.Writes
	require.NoError(t, op(refFs))
	opWrites := ref.Writes - before
	postNames := liveNames(t, mountTest(t, ref))

	for _, cut := range cutBudgets(opWrites) {
		dev := NewRAMDevice(devSize)
		dev.Restore(img)
		fs := mountTest(t, dev)

		dev.CutAfter(cut)
		_ = op(fs) // the op may or may not fail, both are fine
		dev.Revive()

		recovered := mountTest(t, dev)
		got := liveNames(t, recovered)

		if !assert.True(t,
			equalStrings(got, preNames) || equalStrings(got, postNames),
			"%s cut=%d: live set %v is neither pre %v nor post %v",
			name, cut, got, preNames, postNames) {
			return
		}

		checkInvariants(t, recovered)

		// Recovery must be a fixed point.
		writesAfter := dev.Writes
		mountTest(t, dev)
		assert.Equal(t, writesAfter, dev.Writes,
			"%s cut=%d: second recovery programmed flash", name, cut)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCrashMatrixCreate(t *testing.T) {
	runCrashMatrix(t, "create", func(fs *Fs) error {
		f, err := fs.Create("gamma")
		if err != nil {
			return err
		}
		if _, err := f.Write([]byte("gamma content")); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func TestCrashMatrixAppend(t *testing.T) {
	runCrashMatrix(t, "append", func(fs *Fs) error {
		f, err := fs.OpenFile("alpha", os.O_RDWR, 0)
		if err != nil {
			return err
		}
		if _, err := f.Write([]byte(" extended")); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func TestCrashMatrixRewrite(t *testing.T) {
	runCrashMatrix(t, "rewrite", func(fs *Fs) error {
		f, err := fs.Create("beta")
		if err != nil {
			return err
		}
		if _, err := f.Write([]byte("replacement")); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

func TestCrashMatrixRename(t *testing.T) {
	runCrashMatrix(t, "rename", func(fs *Fs) error {
		return fs.Rename("alpha", "beta")
	})
}

func TestCrashMatrixDelete(t *testing.T) {
	runCrashMatrix(t, "delete", func(fs *Fs) error {
		return fs.Remove("alpha")
	})
}

func TestCrashMatrixStreaming(t *testing.T) {
	runCrashMatrix(t, "streaming", func(fs *Fs) error {
		f, err := fs.Create("stream")
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if _, err := f.Write(bytes.Repeat([]byte{byte(0x20 + i)}, 2000)); err != nil {
				f.Close()
				return err
			}
		}
		return f.Close()
	})
}

package mmrofs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a settable clock starting at a fixed, plausible time.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time  { return c.t }
func (c *testClock) Set(t time.Time) { c.t = t }

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func mountTest(t *testing.T, dev Device) *Fs {
	t.Helper()
	fs, err := Mount(MountConfig{
		Device:       dev,
		MaxOpenFiles: 8,
		Clock:        newTestClock(),
		Logger:       testLogger(),
	})
	require.NoError(t, err)
	return fs
}

func writeFile(t *testing.T, fs *Fs, name string, data []byte) {
	t.Helper()
	f, err := fs.Create(name)
	require.NoError(t, err)
	if len(data) > 0 {
		n, err := f.Write(data)
		require.NoError(t, err)
		require.Equal(t, len(data), n)
	}
	require.NoError(t, f.Close())
}

func readFile(t *testing.T, fs *Fs, name string) []byte {
	t.Helper()
	f, err := fs.Open(name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func TestCreateCloseReopenRead(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "demo.txt", []byte("Hello World"))

	// Remount to prove durability.
	fs = mountTest(t, dev)

	got := readFile(t, fs, "demo.txt")
	assert.Equal(t, []byte("Hello World"), got)

	info, err := fs.Stat("demo.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(11), info.Size())
	assert.False(t, info.ModTime().IsZero())
	assert.Equal(t, os.FileMode(0o444), info.Mode())
}

func TestAppendAcrossHandles(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	f, err := fs.OpenFile("log.txt", os.O_WRONLY|os.O_CREATE, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("ABC"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = fs.OpenFile("log.txt", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("DE"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Equal(t, []byte("ABCDE"), readFile(t, fs, "log.txt"))

	// The predecessor slot is tombstoned, the live one finalized.
	var live, tombstones int
	for i := uint16(0); i < MaxEntries; i++ {
		switch fs.m.readEntry(i).State {
		case StateValid:
			live++
			e := fs.m.readEntry(i)
			assert.Equal(t, uint32(len("log.txt")+5), e.Size)
		case StateActive:
			live++
		case StateTombstone:
			tombstones++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, tombstones)
}

func TestStreamingUnknownSize(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	f, err := fs.Create("log.bin")
	require.NoError(t, err)

	chunk := bytes.Repeat([]byte{0xAB}, 2000)
	for _, n := range []int{2000, 2000, 500} {
		written, err := f.Write(chunk[:n])
		require.NoError(t, err)
		require.Equal(t, n, written)
	}

	// Before close the entry carries a capacity mask.
	fState := f.(*File)
	e := fs.m.readEntry(fState.entryIndex)
	assert.True(t, isCapacityMask(e.Size))

	require.NoError(t, f.Close())

	e = fs.m.readEntry(fState.entryIndex)
	assert.Equal(t, uint32(4500+len("log.bin")), e.Size)
	assert.Equal(t, StateValid, e.State)

	got := readFile(t, fs, "log.bin")
	assert.Len(t, got, 4500)
}

func TestRenamePreservesContent(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "a", []byte("payload of a"))
	writeFile(t, fs, "b", []byte("payload of b"))

	require.NoError(t, fs.Rename("a", "b"))

	assert.Equal(t, []byte("payload of a"), readFile(t, fs, "b"))
	_, err := fs.Open("a")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Still true after a remount.
	fs = mountTest(t, dev)
	assert.Equal(t, []byte("payload of a"), readFile(t, fs, "b"))
}

func TestRenameMissingSource(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	err := fs.Rename("nope", "b")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRemove(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "gone.txt", []byte("x"))
	require.NoError(t, fs.Remove("gone.txt"))

	_, err := fs.Open("gone.txt")
	assert.True(t, errors.Is(err, ErrNotFound))

	fs = mountTest(t, dev)
	_, err = fs.Open("gone.txt")
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.True(t, errors.Is(fs.Remove("gone.txt"), ErrNotFound))
}

func TestReaddir(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	names := []string{"one", "two", "three"}
	for _, n := range names {
		writeFile(t, fs, n, []byte(n))
	}

	dir, err := fs.Open("/")
	require.NoError(t, err)
	defer dir.Close()

	infos, err := dir.Readdir(-1)
	require.NoError(t, err)

	var got []string
	for _, info := range infos {
		got = append(got, info.Name())
		assert.False(t, info.IsDir())
	}
	sort.Strings(got)
	sort.Strings(names)
	assert.Equal(t, names, got)
}

func TestReaddirCounted(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "a", []byte("1"))
	writeFile(t, fs, "b", []byte("2"))

	dir, err := fs.Open("")
	require.NoError(t, err)
	defer dir.Close()

	infos, err := dir.Readdir(1)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	infos, err = dir.Readdir(5)
	assert.Equal(t, io.EOF, err)
	assert.Len(t, infos, 1)
}

func TestEmptyFile(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	f, err := fs.Create("empty")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fs = mountTest(t, dev)
	info, err := fs.Stat("empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
	assert.Empty(t, readFile(t, fs, "empty"))
}

func TestSizeBoundaries(t *testing.T) {
	// Total on-flash sizes around the erase-block boundary.
	name := "abc"
	for _, dataLen := range []int{
		EraseBlockSize - len(name),     // total exactly one block
		EraseBlockSize - len(name) - 1, // one less
		EraseBlockSize - len(name) + 1, // one more
		2*EraseBlockSize - len(name),   // exactly two blocks
	} {
		dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
		fs := mountTest(t, dev)

		data := bytes.Repeat([]byte{0x5A}, dataLen)
		writeFile(t, fs, name, data)

		fs = mountTest(t, dev)
		assert.Equal(t, data, readFile(t, fs, name), "dataLen=%d", dataLen)
	}
}

func TestTrailingFFSurvivesCleanClose(t *testing.T) {
	// A finalized (VALID) size is authoritative: trailing 0xFF data bytes
	// survive a clean close and remount.
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	data := append([]byte("head"), 0xFF, 0xFF, 0xFF, 0xFF)
	writeFile(t, fs, "raw.bin", data)

	fs = mountTest(t, dev)
	assert.Equal(t, data, readFile(t, fs, "raw.bin"))
}

func TestFilenameLengths(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	short := "x"
	long := string(bytes.Repeat([]byte{'n'}, 255))

	writeFile(t, fs, short, []byte("short"))
	writeFile(t, fs, long, []byte("long"))

	fs = mountTest(t, dev)
	assert.Equal(t, []byte("short"), readFile(t, fs, short))
	assert.Equal(t, []byte("long"), readFile(t, fs, long))
}

func TestSingleFileSurvivesMount(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 2*EraseBlockSize)
	fs := mountTest(t, dev)
	writeFile(t, fs, "only", []byte("file"))

	for i := 0; i < 3; i++ {
		fs = mountTest(t, dev)
	}
	assert.Equal(t, []byte("file"), readFile(t, fs, "only"))
}

func TestLargeFileCrossesReadWindow(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 32*EraseBlockSize)
	fs := mountTest(t, dev)

	data := make([]byte, WindowSize+12345)
	for i := range data {
		data[i] = byte(i * 31)
	}
	writeFile(t, fs, "big", data)

	fs = mountTest(t, dev)
	assert.Equal(t, data, readFile(t, fs, "big"))
}

func TestCreateTruncatesExisting(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "f", []byte("old content"))
	writeFile(t, fs, "f", []byte("new"))

	assert.Equal(t, []byte("new"), readFile(t, fs, "f"))
}

func TestOpenWithoutCreate(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	_, err := fs.OpenFile("missing", os.O_WRONLY, 0)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = fs.Open("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestInvalidPaths(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	_, err := fs.Create("sub/dir")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	err = fs.Mkdir("d", 0o755)
	assert.True(t, errors.Is(err, ErrNotSupported))
}

func TestFDTableExhaustion(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs, err := Mount(MountConfig{
		Device:       dev,
		MaxOpenFiles: 2,
		Clock:        newTestClock(),
		Logger:       testLogger(),
	})
	require.NoError(t, err)

	writeFile(t, fs, "f", []byte("x"))

	a, err := fs.Open("f")
	require.NoError(t, err)
	b, err := fs.Open("f")
	require.NoError(t, err)

	_, err = fs.Open("f")
	assert.True(t, errors.Is(err, ErrNoFreeHandle))

	require.NoError(t, a.Close())
	c, err := fs.Open("f")
	require.NoError(t, err)
	c.Close()
	b.Close()
}

func TestSecondWriterSeesUnknownSize(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	first, err := fs.Create("stream")
	require.NoError(t, err)
	_, err = first.Write([]byte("streaming"))
	require.NoError(t, err)

	// The entry is ACTIVE with a capacity mask; only the open handle knows
	// the real size, so a second writer must not append blindly.
	second, err := fs.OpenFile("stream", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = second.Write([]byte("more"))
	assert.True(t, errors.Is(err, ErrSizeUnknown))
	second.Close()

	require.NoError(t, first.Close())
}

func TestReadUnlocked(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	fs := mountTest(t, dev)

	writeFile(t, fs, "f", []byte("0123456789"))

	f, err := fs.Open("f")
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 4)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), buf[:n])

	// ReadAt does not move the cursor.
	n, err = f.ReadAt(buf, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), buf[:n])

	n, err = f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("4567"), buf[:n])
}

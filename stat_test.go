package mmrofs

import (
	"os"
	"testing"
	"time"
)

func Test_entryFileInfo(t *testing.T) {
	e := Entry{
		State:   StateValid,
		NameLen: 5,
		Size:    5 + 42,
		Mtime:   1700000000,
		Ctime:   1600000000,
	}
	info := newFileInfo("notes", &e)

	if info.Name() != "notes" {
		t.Errorf("Name() = %v, want notes", info.Name())
	}
	if info.Size() != 42 {
		t.Errorf("Size() = %v, want 42", info.Size())
	}
	if info.Mode() != os.FileMode(0o444) {
		t.Errorf("Mode() = %v, want 0444", info.Mode())
	}
	if info.IsDir() {
		t.Error("IsDir() = true, want false")
	}
	if got := info.ModTime(); !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ModTime() = %v, want %v", got, time.Unix(1700000000, 0))
	}
	if _, ok := info.Sys().(Entry); !ok {
		t.Error("Sys() should expose the raw entry")
	}
}

func Test_entryFileInfoUnsetMtime(t *testing.T) {
	e := Entry{NameLen: 1, Size: 1, Mtime: MtimeUnset}
	info := newFileInfo("x", &e)

	if !info.ModTime().IsZero() {
		t.Errorf("ModTime() = %v, want zero time for unfinalized mtime", info.ModTime())
	}
}

func Test_dirInfo(t *testing.T) {
	info := dirInfo{}
	if !info.IsDir() {
		t.Error("IsDir() = false, want true")
	}
	if info.Mode()&os.ModeDir == 0 {
		t.Error("Mode() should carry ModeDir")
	}
}

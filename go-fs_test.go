package mmrofs

import (
	"io"
	"io/fs"
	"testing"
)

func TestGoFs(t *testing.T) {
	dev := NewRAMDevice(HeaderSize + 16*EraseBlockSize)
	gofs, err := NewGoFS(MountConfig{
		Device: dev,
		Clock:  newTestClock(),
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewGoFS() error = %v", err)
	}

	f, err := gofs.Fs.Create("hello.txt")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.Write([]byte("hello go-fs")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Read through the io/fs surface.
	file, err := gofs.Open("hello.txt")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "hello go-fs" {
		t.Errorf("content = %q, want %q", data, "hello go-fs")
	}

	info, err := file.Stat()
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != int64(len("hello go-fs")) {
		t.Errorf("Size() = %v, want %v", info.Size(), len("hello go-fs"))
	}

	// And the directory listing.
	dir, err := gofs.Open(".")
	if err != nil {
		t.Fatalf("Open(.) error = %v", err)
	}
	defer dir.Close()

	rd, ok := dir.(fs.ReadDirFile)
	if !ok {
		t.Fatal("root handle should implement fs.ReadDirFile")
	}
	entries, err := rd.ReadDir(-1)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "hello.txt" {
		t.Errorf("ReadDir() = %v, want one entry hello.txt", entries)
	}
	if entries[0].Type() != 0 {
		t.Errorf("Type() = %v, want regular", entries[0].Type())
	}
}

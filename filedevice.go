package mmrofs

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNeedsErase is returned when a program on a FileDevice would have to set
// a cleared bit back to 1.
var ErrNeedsErase = errors.New("flash program requires erase")

// FileDevice is a Device backed by a partition image file, used by the
// offline tooling. It enforces the same NOR program semantics as real flash
// so that images it produces behave identically on device.
type FileDevice struct {
	mu   sync.Mutex
	f    *os.File
	size uint32
}

// OpenFileDevice opens an existing partition image.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size()%EraseBlockSize != 0 || st.Size() < HeaderSize+EraseBlockSize || st.Size() > int64(^uint32(0)) {
		f.Close()
		return nil, fmt.Errorf("image %s has invalid size %d", path, st.Size())
	}
	return &FileDevice{f: f, size: uint32(st.Size())}, nil
}

// CreateFileDevice creates a fresh, fully erased partition image.
func CreateFileDevice(path string, size uint32) (*FileDevice, error) {
	if size%EraseBlockSize != 0 || size < HeaderSize+EraseBlockSize {
		return nil, fmt.Errorf("invalid image size %#x", size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	blank := make([]byte, EraseBlockSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	for off := uint32(0); off < size; off += EraseBlockSize {
		if _, err := f.WriteAt(blank, int64(off)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
	}
	return &FileDevice{f: f, size: size}, nil
}

// Close closes the underlying image file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}

func (d *FileDevice) Size() uint32 {
	return d.size
}

func (d *FileDevice) ReadAt(buf []byte, off uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int64(off)+int64(len(buf)) > int64(d.size) {
		return fmt.Errorf("read [%#x, %#x) out of bounds", off, int64(off)+int64(len(buf)))
	}
	_, err := d.f.ReadAt(buf, int64(off))
	return err
}

func (d *FileDevice) Program(off uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int64(off)+int64(len(data)) > int64(d.size) {
		return fmt.Errorf("program [%#x, %#x) out of bounds", off, int64(off)+int64(len(data)))
	}
	old := make([]byte, len(data))
	if _, err := d.f.ReadAt(old, int64(off)); err != nil {
		return err
	}
	for i := range data {
		if old[i]&data[i] != data[i] {
			return fmt.Errorf("%w: offset %#x", ErrNeedsErase, off+uint32(i))
		}
		old[i] &= data[i]
	}
	_, err := d.f.WriteAt(old, int64(off))
	return err
}

func (d *FileDevice) EraseBlocks(off uint32, length uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off%EraseBlockSize != 0 || length%EraseBlockSize != 0 {
		return fmt.Errorf("erase [%#x, %#x) not block aligned", off, off+length)
	}
	if int64(off)+int64(length) > int64(d.size) {
		return fmt.Errorf("erase [%#x, %#x) out of bounds", off, off+length)
	}
	blank := make([]byte, EraseBlockSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	for block := off; block < off+length; block += EraseBlockSize {
		if _, err := d.f.WriteAt(blank, int64(block)); err != nil {
			return err
		}
	}
	return nil
}

package mmrofs

import (
	"sync"

	"github.com/aligator/mmrofs/checkpoint"
)

// Device is the narrow capability set MMROFS needs from a flash partition.
//
// Program must only clear bits: for every byte, new = old AND written. SPI
// NOR cannot set a bit back to 1 without an erase, and implementations are
// expected to reject attempts to do so. Erase resets a whole 4 KiB block
// to 0xFF.
//
// Generated mock using mockgen:
//  mockgen -source=flash.go -destination=mock_device.go -package mmrofs
type Device interface {
	// ReadAt fills buf from the partition starting at off.
	ReadAt(buf []byte, off uint32) error

	// Program writes data at off, clearing bits only.
	Program(off uint32, data []byte) error

	// EraseBlocks erases the blocks covering [off, off+length).
	// Both off and length must be multiples of the erase block size.
	EraseBlocks(off uint32, length uint32) error

	// Size returns the partition size in bytes.
	Size() uint32
}

// mapper provides the cheap byte-addressable views the core reads through: a
// permanent shadow of the header region and a sliding window over the data
// region. Writes must be routed through it so the shadows stay coherent.
//
// The window has its own lock so that reads through already-open handles can
// stay off the filesystem mutex.
type mapper struct {
	dev Device

	// header shadows the full header region. Updated in place on header
	// programs; header pages are rare to erase and reset to 0xFF then.
	header []byte

	mu        sync.Mutex
	window    []byte
	windowOff uint32
	windowOK  bool
}

func newMapper(dev Device) (*mapper, error) {
	m := &mapper{
		dev:    dev,
		header: make([]byte, HeaderSize),
		window: make([]byte, WindowSize),
	}
	if err := dev.ReadAt(m.header, 0); err != nil {
		return nil, checkpoint.Wrap(err, ErrFlashIO)
	}
	return m, nil
}

// entrySlot returns the 32-byte header shadow of slot index.
func (m *mapper) entrySlot(index uint16) []byte {
	off := uint32(index) * EntrySize
	return m.header[off : off+EntrySize]
}

// readEntry decodes slot index from the header shadow.
func (m *mapper) readEntry(index uint16) Entry {
	return decodeEntry(m.entrySlot(index))
}

// program writes through to the device and keeps the shadows coherent by
// applying the same AND semantics the flash applies.
func (m *mapper) program(off uint32, data []byte) error {
	if err := m.dev.Program(off, data); err != nil {
		return checkpoint.Wrap(err, ErrFlashIO)
	}
	if off < HeaderSize {
		for i, b := range data {
			pos := off + uint32(i)
			if pos >= HeaderSize {
				break
			}
			m.header[pos] &= b
		}
	}
	m.mu.Lock()
	if m.windowOK && off < m.windowOff+WindowSize && off+uint32(len(data)) > m.windowOff {
		for i, b := range data {
			pos := off + uint32(i)
			if pos >= m.windowOff && pos < m.windowOff+WindowSize {
				m.window[pos-m.windowOff] &= b
			}
		}
	}
	m.mu.Unlock()
	return nil
}

// erase erases whole blocks through the device and resets the shadows.
func (m *mapper) erase(off uint32, length uint32) error {
	if err := m.dev.EraseBlocks(off, length); err != nil {
		return checkpoint.Wrap(err, ErrFlashIO)
	}
	if off < HeaderSize {
		end := off + length
		if end > HeaderSize {
			end = HeaderSize
		}
		for i := off; i < end; i++ {
			m.header[i] = 0xFF
		}
	}
	m.mu.Lock()
	if m.windowOK && off < m.windowOff+WindowSize && off+length > m.windowOff {
		// Cheaper to drop the window than to patch it.
		m.windowOK = false
	}
	m.mu.Unlock()
	return nil
}

// dataRead reads from the data region through the sliding window, remapping
// it when the requested range falls outside. Ranges crossing window
// boundaries are served one window at a time.
func (m *mapper) dataRead(off uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(buf) > 0 {
		windowStart := off &^ (WindowSize - 1)
		if err := m.mapWindowLocked(windowStart); err != nil {
			return err
		}
		inWindow := off - windowStart
		n := copy(buf, m.window[inWindow:])
		off += uint32(n)
		buf = buf[n:]
	}
	return nil
}

func (m *mapper) mapWindowLocked(windowStart uint32) error {
	if m.windowOK && m.windowOff == windowStart {
		return nil
	}
	length := uint32(WindowSize)
	if windowStart+length > m.dev.Size() {
		length = m.dev.Size() - windowStart
	}
	if err := m.dev.ReadAt(m.window[:length], windowStart); err != nil {
		return checkpoint.Wrap(err, ErrFlashIO)
	}
	for i := length; i < WindowSize; i++ {
		m.window[i] = 0xFF
	}
	m.windowOff = windowStart
	m.windowOK = true
	return nil
}

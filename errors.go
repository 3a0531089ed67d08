package mmrofs

import "errors"

// These errors may be returned at the filesystem boundary. All of them are
// wrapped through checkpoint, so test with errors.Is.
var (
	// ErrNotFound is returned when no live entry matches the given filename.
	ErrNotFound = errors.New("file not found")

	// ErrNoFreeHandle is returned by Open when the FD table is exhausted.
	ErrNoFreeHandle = errors.New("no free file handle")

	// ErrNoSpace is returned when neither the data region nor the entry
	// table can fit the requested allocation.
	ErrNoSpace = errors.New("no space left on partition")

	// ErrInvalidArgument is returned for malformed paths, bad open modes
	// and out-of-range parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrFlashIO is returned when the underlying device rejects a program
	// or erase.
	ErrFlashIO = errors.New("flash i/o error")

	// ErrCorrupt names the condition of an entry that fails validation.
	// No operation returns it: lookup tombstones such an entry and skips
	// it, so the caller sees ErrNotFound.
	ErrCorrupt = errors.New("corrupt entry")

	// ErrSizeUnknown is returned by Write on an update handle whose
	// predecessor's exact data size is unknown, which happens while another
	// streaming writer still owns the only running byte count. Retry after
	// that handle closes, or after a reboot has run recovery.
	ErrSizeUnknown = errors.New("exact file size unknown")

	// ErrReadOnlyFile is returned on writes through a read-only handle.
	ErrReadOnlyFile = errors.New("file handle is read-only")

	// ErrNotSupported is returned for operations a flat namespace cannot
	// express, such as Mkdir.
	ErrNotSupported = errors.New("operation not supported")

	// ErrClosed is returned for operations on a closed handle.
	ErrClosed = errors.New("file handle is closed")
)

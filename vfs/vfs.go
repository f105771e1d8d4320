// Package vfs is a namespace for the byte-addressable, append-only block
// store beneath the tablet's row-set abstraction. The physical block
// manager and on-disk layout are out of scope for the storage engine
// itself (spec.md §1); this package specifies only the interface the
// engine's WAL, DiskRowSet, and metadata layers use to talk to it,
// following the teacher's own vfs package split between a real
// filesystem-backed implementation and an in-memory one for tests.
package vfs

import (
	"io"
	"os"
)

// File is a readable, writable sequence of bytes. Typically it is an
// *os.File, but tests substitute a memory-backed implementation.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
}

// FS is a namespace for files, addressed by filepath-style names.
type FS interface {
	// Create creates the named file for writing, truncating it if it
	// already exists.
	Create(name string) (File, error)

	// Open opens the named file for reading.
	Open(name string) (File, error)

	// OpenDir opens the named directory so it can be fsynced (to persist a
	// rename or a new file's directory entry).
	OpenDir(name string) (File, error)

	// Remove removes the named file or empty directory.
	Remove(name string) error

	// Rename renames a file, overwriting newname if it exists, matching
	// os.Rename. Metadata (§6 of spec.md) is published via this operation.
	Rename(oldname, newname string) error

	// MkdirAll creates a directory and all necessary parents.
	MkdirAll(dir string) error

	// List returns the names of the files or subdirectories directly
	// within dir, in no particular order.
	List(dir string) ([]string, error)

	// Stat returns the FileInfo for the named file or directory.
	Stat(name string) (os.FileInfo, error)

	// PathJoin joins the given path elements into a single path.
	PathJoin(elem ...string) string
}

// Default is the FS backed by the real, local filesystem.
var Default FS = defaultFS{}

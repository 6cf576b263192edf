// Package pager implements the file & lock layer and the page cache /
// allocator described in spec §4.1 and §4.2: a fixed-size paged file with
// a process-exclusive advisory lock, a bounded LRU cache of page images,
// and a free-list allocator that recycles pages once no live snapshot can
// still observe them.
package pager

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// PageSize is the fixed page size of the data file. It matches
// btree.PageSize; both packages define it independently so neither
// package needs to import the other just for a constant.
const PageSize = 4096

// ErrBusy is returned by Open when the process-exclusive file lock is
// already held by another process.
var ErrBusy = fmt.Errorf("pager: database file is locked by another process")

// File owns the OS file handle for the data file. All reads and writes it
// performs are page-aligned; it has no notion of page contents, cache
// entries, or free lists — those live one layer up, in Pager.
type File struct {
	path     string
	fd       *os.File
	readOnly bool
}

// OpenFile opens (creating if necessary) the data file at path, taking a
// process-exclusive advisory lock. perm controls the mode used if the
// file is created.
func OpenFile(path string, perm os.FileMode) (*File, error) {
	return openFile(path, perm, false)
}

// OpenFileReadOnly opens path for reads only, taking a shared advisory
// lock instead of an exclusive one, so that multiple read-only processes
// may share a file. While a writer holds the exclusive lock, the open
// fails with ErrBusy.
func OpenFileReadOnly(path string) (*File, error) {
	return openFile(path, 0, true)
}

func openFile(path string, perm os.FileMode, readOnly bool) (*File, error) {
	flags := os.O_RDWR | os.O_CREATE
	if readOnly {
		flags = os.O_RDONLY
	}
	if perm == 0 {
		perm = 0o644
	}

	fd, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return nil, fmt.Errorf("pager: open %s: %w", path, err)
	}

	lockType := syscall.LOCK_EX
	if readOnly {
		lockType = syscall.LOCK_SH
	}
	if err := syscall.Flock(int(fd.Fd()), lockType|syscall.LOCK_NB); err != nil {
		fd.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("pager: lock %s: %w", path, err)
	}

	if !readOnly {
		if err := fsyncDir(path); err != nil {
			syscall.Flock(int(fd.Fd()), syscall.LOCK_UN)
			fd.Close()
			return nil, err
		}
	}

	return &File{path: path, fd: fd, readOnly: readOnly}, nil
}

// fsyncDir makes a newly created file's directory entry durable, so a
// crash right after creation cannot leave the file invisible after a
// reboot even though its contents were synced.
func fsyncDir(file string) error {
	dir, err := os.Open(filepath.Dir(file))
	if err != nil {
		return fmt.Errorf("pager: open directory: %w", err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("pager: fsync directory: %w", err)
	}
	return nil
}

// ReadAt reads len(buf) bytes at byte offset off.
func (f *File) ReadAt(buf []byte, off int64) (int, error) {
	return f.fd.ReadAt(buf, off)
}

// WriteAt writes buf at byte offset off. It refuses to write when the
// file was opened read-only, since the read-only path must never touch
// the data file.
func (f *File) WriteAt(buf []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, fmt.Errorf("pager: write on read-only file")
	}
	return f.fd.WriteAt(buf, off)
}

// Truncate resizes the file to exactly size bytes.
func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return fmt.Errorf("pager: truncate on read-only file")
	}
	return f.fd.Truncate(size)
}

// Size returns the current file size in bytes.
func (f *File) Size() (int64, error) {
	stat, err := f.fd.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// SyncData durably persists file contents written so far. Go's standard
// library does not expose a bare fdatasync distinct from fsync, and
// nothing in the example corpus imports a library that does either — both
// ambient stacks fall back to a full fsync here.
func (f *File) SyncData() error {
	if f.readOnly {
		return nil
	}
	return f.fd.Sync()
}

// SyncAll is SyncData plus metadata; on most platforms indistinguishable
// from SyncData given the fdatasync gap noted there.
func (f *File) SyncAll() error {
	return f.SyncData()
}

// Close releases the advisory lock and closes the underlying handle.
func (f *File) Close() error {
	syscall.Flock(int(f.fd.Fd()), syscall.LOCK_UN)
	return f.fd.Close()
}

// Path returns the path the file was opened at.
func (f *File) Path() string { return f.path }

// ReadOnly reports whether the file refuses writes.
func (f *File) ReadOnly() bool { return f.readOnly }
